package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Frame format constants
const (
	// SampleWidth is the size in bytes of one float32 sample
	SampleWidth = 4

	// MaxTranscriptBytes bounds a single outbound text message
	MaxTranscriptBytes = 64 * 1024
)

var (
	// ErrFrameAlignment is returned when a frame length is not a multiple of SampleWidth
	ErrFrameAlignment = errors.New("frame length is not a multiple of the sample width")

	// ErrInvalidSample is returned when a frame contains NaN or infinite samples
	ErrInvalidSample = errors.New("frame contains a non-finite sample")
)

// ValidateFrame checks the frame length without decoding it
func ValidateFrame(data []byte) error {
	if len(data)%SampleWidth != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrFrameAlignment, len(data))
	}
	return nil
}

// ParseAudioFrame decodes a binary frame of little-endian float32 samples.
// An empty frame decodes to a zero-length chunk.
func ParseAudioFrame(data []byte) ([]float32, error) {
	if err := ValidateFrame(data); err != nil {
		return nil, err
	}

	samples := make([]float32, len(data)/SampleWidth)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(data[i*SampleWidth:])
		v := math.Float32frombits(bits)
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return nil, fmt.Errorf("%w at index %d", ErrInvalidSample, i)
		}
		samples[i] = v
	}

	return samples, nil
}

// EncodeAudioFrame encodes samples into the binary frame format
func EncodeAudioFrame(samples []float32) []byte {
	data := make([]byte, len(samples)*SampleWidth)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(data[i*SampleWidth:], math.Float32bits(s))
	}
	return data
}

// EncodeTranscript validates and encodes an outbound transcript message.
// Invalid UTF-8 sequences are replaced and oversized text is truncated on a rune boundary.
func EncodeTranscript(text string) []byte {
	if !utf8.ValidString(text) {
		text = toValidUTF8(text)
	}

	if len(text) <= MaxTranscriptBytes {
		return []byte(text)
	}

	cut := MaxTranscriptBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return []byte(text[:cut])
}

func toValidUTF8(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		out = append(out, r) // invalid bytes decode as utf8.RuneError
	}
	return string(out)
}
