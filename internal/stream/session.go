package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/masayay/maispeech/internal/audio"
	"github.com/masayay/maispeech/internal/metrics"
)

// Session holds the buffers and segmentation state of one connection.
// HandleFrame and Flush must be called from the owning goroutine only;
// Info is safe to call from anywhere.
type Session struct {
	ID        string
	StartTime time.Time

	raw       *audio.FrameBuffer
	utterance *audio.FrameBuffer
	segmenter *Segmenter
	lastEval  time.Time
	sink      TranscriptSink

	evalInterval        time.Duration
	sampleRate          int
	channels            int
	maxUtteranceSamples int

	detector   SpeechDetector
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	// Monitoring, read by Info
	state               atomic.Int32
	lastActivity        atomic.Int64 // unix nanoseconds
	framesReceived      atomic.Uint64
	samplesReceived     atomic.Uint64
	ticks               atomic.Uint64
	boundaries          atomic.Uint64
	utterances          atomic.Uint64
	transcripts         atomic.Uint64
	recognitionFailures atomic.Uint64
	buffers             atomic.Pointer[bufferSnapshot]
}

// bufferSnapshot is published by the owning goroutine after every buffer change
type bufferSnapshot struct {
	raw               audio.BufferStats
	utterance         audio.BufferStats
	utteranceDuration time.Duration
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID           string        `json:"id"`
	State        string        `json:"state"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	FramesReceived   uint64 `json:"frames_received"`
	SamplesReceived  uint64 `json:"samples_received"`
	RawSamples       int64  `json:"raw_samples"`
	UtteranceSamples int64  `json:"utterance_samples"`

	RawBuffer         audio.BufferStats `json:"raw_buffer"`
	UtteranceBuffer   audio.BufferStats `json:"utterance_buffer"`
	UtteranceDuration time.Duration     `json:"utterance_duration"`

	Ticks               uint64 `json:"ticks"`
	Boundaries          uint64 `json:"boundaries"`
	Utterances          uint64 `json:"utterances"`
	Transcripts         uint64 `json:"transcripts"`
	RecognitionFailures uint64 `json:"recognition_failures"`
}

// HandleFrame appends a decoded chunk to the raw buffer and, if more than the
// evaluation interval has passed since the last tick completed, runs a tick.
func (s *Session) HandleFrame(ctx context.Context, chunk []float32, now time.Time) error {
	s.lastActivity.Store(now.UnixNano())
	s.framesReceived.Add(1)
	s.samplesReceived.Add(uint64(len(chunk)))

	s.raw.Append(chunk)
	s.publishBuffers()

	if now.Sub(s.lastEval) <= s.evalInterval {
		return nil
	}

	start := time.Now()
	err := s.tick(ctx)

	// The next interval starts once this evaluation, recognition included, is done
	s.lastEval = now.Add(time.Since(start))

	return err
}

// tick runs one evaluation of the segmentation state machine. It runs even
// when nothing was buffered so a pending utterance can still be finalized.
func (s *Session) tick(ctx context.Context) error {
	samples := s.raw.DrainAll()
	s.publishBuffers()
	s.ticks.Add(1)

	start := time.Now()
	hasSpeech := s.detectSpeech(ctx, samples)
	vadElapsed := time.Since(start)

	t := s.segmenter.Step(hasSpeech)
	s.state.Store(int32(s.segmenter.State()))
	s.metrics.RecordTick(t.Label(), vadElapsed.Seconds())

	if t.Append {
		s.utterance.Append(samples)
		s.publishBuffers()
	}

	if t.Boundary() {
		s.boundaries.Add(1)
		s.logger.Debug("Utterance boundary detected",
			slog.String("session_id", s.ID),
			slog.Int("utterance_samples", s.utterance.Len()),
		)
	}

	if t.Finalize {
		return s.dispatcher.Finalize(ctx, s)
	}

	if s.maxUtteranceSamples > 0 && s.utterance.Len() >= s.maxUtteranceSamples {
		s.logger.Info("Utterance reached maximum length, finalizing early",
			slog.String("session_id", s.ID),
			slog.Int("samples", s.utterance.Len()),
		)
		s.segmenter.Reset()
		s.state.Store(int32(StateIdle))
		return s.dispatcher.Finalize(ctx, s)
	}

	return nil
}

// detectSpeech reports whether samples contain speech. A detector failure is
// logged and treated as silence.
func (s *Session) detectSpeech(ctx context.Context, samples []float32) bool {
	spans, err := s.detector.DetectSpeech(ctx, samples, s.sampleRate)
	if err != nil {
		s.logger.Warn("Speech detection failed, treating tick as silence",
			slog.String("session_id", s.ID),
			slog.Int("samples", len(samples)),
			slog.String("error", err.Error()),
		)
		return false
	}

	if len(spans) == 0 {
		return false
	}

	var voiced time.Duration
	for _, span := range spans {
		voiced += span.Duration(s.sampleRate, s.channels)
	}
	s.logger.Debug("Speech detected",
		slog.String("session_id", s.ID),
		slog.Int("spans", len(spans)),
		slog.Duration("voiced", voiced),
	)

	return true
}

// publishBuffers stores a snapshot of both buffers for Info
func (s *Session) publishBuffers() {
	s.buffers.Store(&bufferSnapshot{
		raw:               s.raw.GetStats(),
		utterance:         s.utterance.GetStats(),
		utteranceDuration: s.utterance.Duration(s.sampleRate, s.channels),
	})
}

// Flush evaluates whatever is still buffered and finalizes the current
// utterance. It is called once when the connection goes away.
func (s *Session) Flush(ctx context.Context) error {
	var tickErr error
	if !s.raw.IsEmpty() {
		tickErr = s.tick(ctx)
	}

	s.segmenter.Reset()
	s.state.Store(int32(StateIdle))

	if err := s.dispatcher.Finalize(ctx, s); err != nil {
		if tickErr != nil {
			return fmt.Errorf("%w; flush: %w", tickErr, err)
		}
		return err
	}

	return tickErr
}

// State returns the current settled segmentation state
func (s *Session) State() State {
	return State(s.state.Load())
}

// Info returns a monitoring snapshot of the session
func (s *Session) Info() SessionInfo {
	lastActivity := s.StartTime
	if ns := s.lastActivity.Load(); ns != 0 {
		lastActivity = time.Unix(0, ns)
	}

	var buffers bufferSnapshot
	if b := s.buffers.Load(); b != nil {
		buffers = *b
	}

	return SessionInfo{
		ID:                  s.ID,
		State:               s.State().String(),
		StartTime:           s.StartTime,
		LastActivity:        lastActivity,
		Duration:            time.Since(s.StartTime),
		FramesReceived:      s.framesReceived.Load(),
		SamplesReceived:     s.samplesReceived.Load(),
		RawSamples:          int64(buffers.raw.BufferedSamples),
		UtteranceSamples:    int64(buffers.utterance.BufferedSamples),
		RawBuffer:           buffers.raw,
		UtteranceBuffer:     buffers.utterance,
		UtteranceDuration:   buffers.utteranceDuration,
		Ticks:               s.ticks.Load(),
		Boundaries:          s.boundaries.Load(),
		Utterances:          s.utterances.Load(),
		Transcripts:         s.transcripts.Load(),
		RecognitionFailures: s.recognitionFailures.Load(),
	}
}
