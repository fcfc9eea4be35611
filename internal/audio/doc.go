// Package audio handles sample buffering and waveform encoding.
// It implements the append-only frame buffers used for raw and utterance audio,
// and WAV encoding/decoding for recognition uploads and persisted utterances.
package audio
