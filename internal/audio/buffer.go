package audio

import "time"

// FrameBuffer accumulates sample chunks in arrival order. Chunks are kept as
// separate slices and only concatenated when the buffer is drained, so the
// receive path never copies previously buffered audio.
//
// A FrameBuffer is owned by a single session goroutine and is not safe for
// concurrent use.
type FrameBuffer struct {
	chunks  [][]float32
	samples int

	// Timing and metadata
	lastAppend   time.Time
	totalChunks  uint64
	totalSamples uint64
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	BufferedChunks  int       `json:"buffered_chunks"`
	BufferedSamples int       `json:"buffered_samples"`
	TotalChunks     uint64    `json:"total_chunks"`
	TotalSamples    uint64    `json:"total_samples"`
	LastAppend      time.Time `json:"last_append"`
}

// NewFrameBuffer creates an empty frame buffer
func NewFrameBuffer() *FrameBuffer {
	return &FrameBuffer{
		chunks: make([][]float32, 0, 16),
	}
}

// Append adds a chunk to the end of the buffer. Empty chunks are ignored.
// The buffer takes ownership of the slice; callers must not modify it afterwards.
func (b *FrameBuffer) Append(chunk []float32) {
	if len(chunk) == 0 {
		return
	}

	b.chunks = append(b.chunks, chunk)
	b.samples += len(chunk)
	b.totalChunks++
	b.totalSamples += uint64(len(chunk))
	b.lastAppend = time.Now()
}

// DrainAll returns every buffered sample concatenated in arrival order and
// clears the buffer. An empty buffer drains to a zero-length slice.
func (b *FrameBuffer) DrainAll() []float32 {
	if b.samples == 0 {
		b.chunks = b.chunks[:0]
		return []float32{}
	}

	// Single chunk: hand it over without copying
	if len(b.chunks) == 1 {
		out := b.chunks[0]
		b.reset()
		return out
	}

	out := make([]float32, 0, b.samples)
	for _, chunk := range b.chunks {
		out = append(out, chunk...)
	}
	b.reset()

	return out
}

// Len returns the number of samples currently buffered
func (b *FrameBuffer) Len() int {
	return b.samples
}

// IsEmpty reports whether the buffer holds no samples
func (b *FrameBuffer) IsEmpty() bool {
	return b.samples == 0
}

// Duration returns the buffered audio length at the given sample rate and channel count
func (b *FrameBuffer) Duration(sampleRate, channels int) time.Duration {
	return SamplesDuration(b.samples, sampleRate, channels)
}

// GetStats returns current buffer statistics
func (b *FrameBuffer) GetStats() BufferStats {
	return BufferStats{
		BufferedChunks:  len(b.chunks),
		BufferedSamples: b.samples,
		TotalChunks:     b.totalChunks,
		TotalSamples:    b.totalSamples,
		LastAppend:      b.lastAppend,
	}
}

func (b *FrameBuffer) reset() {
	// Drop references so drained chunks can be collected
	for i := range b.chunks {
		b.chunks[i] = nil
	}
	b.chunks = b.chunks[:0]
	b.samples = 0
}

// SamplesDuration converts a sample count into a duration
func SamplesDuration(samples, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return time.Duration(samples/channels) * time.Second / time.Duration(sampleRate)
}
