package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// wavHeaderSize is the size of the canonical PCM header
const wavHeaderSize = 44

// Format describes the PCM layout of an encoded waveform
type Format struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// Validate checks that the format can be encoded as integer PCM
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}
	switch f.BitDepth {
	case 16, 24, 32:
	default:
		return fmt.Errorf("unsupported bit depth: %d (16, 24 or 32 supported)", f.BitDepth)
	}
	return nil
}

// EncodeWAV encodes float samples in [-1, 1] into integer PCM WAV format.
// Samples are scaled by 2^(bits-1)-1 and clipped to the valid range.
// Multi-channel audio is expected to be interleaved already.
func EncodeWAV(samples []float32, format Format) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if err := format.Validate(); err != nil {
		return nil, err
	}

	bytesPerSample := format.BitDepth / 8
	dataSize := uint32(len(samples) * bytesPerSample)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   uint16(format.Channels),
		SampleRate:    uint32(format.SampleRate),
		ByteRate:      uint32(format.SampleRate * format.Channels * bytesPerSample),
		BlockAlign:    uint16(format.Channels * bytesPerSample),
		BitsPerSample: uint16(format.BitDepth),
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+int(dataSize)))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	scale := float64(int64(1)<<(format.BitDepth-1) - 1)
	frame := make([]byte, 4)
	for _, s := range samples {
		v := int32(math.Round(clip(float64(s)) * scale))
		binary.LittleEndian.PutUint32(frame, uint32(v))
		buf.Write(frame[:bytesPerSample])
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes integer PCM WAV data back to float samples in [-1, 1]
func DecodeWAV(data []byte) ([]float32, Format, error) {
	if len(data) < wavHeaderSize {
		return nil, Format{}, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, Format{}, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if err := validateHeader(&header); err != nil {
		return nil, Format{}, err
	}

	format := Format{
		SampleRate: int(header.SampleRate),
		Channels:   int(header.NumChannels),
		BitDepth:   int(header.BitsPerSample),
	}
	if err := format.Validate(); err != nil {
		return nil, Format{}, err
	}

	bytesPerSample := format.BitDepth / 8
	payload := data[wavHeaderSize:]
	if int(header.Subchunk2Size) < len(payload) {
		payload = payload[:header.Subchunk2Size]
	}
	numSamples := len(payload) / bytesPerSample
	if numSamples == 0 {
		return nil, Format{}, fmt.Errorf("no audio data found")
	}

	scale := float64(int64(1)<<(format.BitDepth-1) - 1)
	samples := make([]float32, numSamples)
	for i := 0; i < numSamples; i++ {
		off := i * bytesPerSample
		var v int32
		switch bytesPerSample {
		case 2:
			v = int32(int16(binary.LittleEndian.Uint16(payload[off:])))
		case 3:
			u := uint32(payload[off]) | uint32(payload[off+1])<<8 | uint32(payload[off+2])<<16
			v = int32(u<<8) >> 8 // sign-extend 24 bit
		case 4:
			v = int32(binary.LittleEndian.Uint32(payload[off:]))
		}
		samples[i] = float32(float64(v) / scale)
	}

	return samples, format, nil
}

// WAVInfo contains basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// GetWAVInfo extracts metadata from a WAV file without decoding the samples
func GetWAVInfo(data []byte) (*WAVInfo, error) {
	if len(data) < wavHeaderSize {
		return nil, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if err := validateHeader(&header); err != nil {
		return nil, err
	}

	if header.SampleRate == 0 || header.NumChannels == 0 || header.BitsPerSample == 0 {
		return nil, fmt.Errorf("invalid WAV header: zero sample rate, channels or bit depth")
	}

	numSamples := header.Subchunk2Size / (uint32(header.BitsPerSample) / 8)
	frames := numSamples / uint32(header.NumChannels)

	return &WAVInfo{
		SampleRate:    header.SampleRate,
		Channels:      header.NumChannels,
		BitsPerSample: header.BitsPerSample,
		Duration:      float64(frames) / float64(header.SampleRate),
		DataSize:      header.Subchunk2Size,
		NumSamples:    numSamples,
	}, nil
}

func validateHeader(header *WAVHeader) error {
	if string(header.ChunkID[:]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(header.Format[:]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}
	if string(header.Subchunk1ID[:]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if string(header.Subchunk2ID[:]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if header.AudioFormat != 1 {
		return fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}
	return nil
}

func clip(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}
