// Package protocol implements the binary audio frame format of the websocket transport.
// Inbound frames carry raw little-endian IEEE-754 float32 samples; frame length must be
// a multiple of the sample width. Outbound messages are plain UTF-8 transcripts.
package protocol
