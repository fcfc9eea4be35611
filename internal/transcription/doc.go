// Package transcription implements the HTTP client for the recognition engine.
// It uploads finalized utterances as WAV multipart form data together with model
// metadata, retries transient failures with exponential backoff, and keeps request statistics.
package transcription
