package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/masayay/maispeech/internal/vad"
)

// ErrNoCapability is returned when the pool has no backend for a call
var ErrNoCapability = errors.New("capability not configured")

// Recognizer transcribes a contiguous waveform
type Recognizer interface {
	Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error)
}

// Detector finds speech spans in a waveform
type Detector interface {
	DetectSpeech(ctx context.Context, samples []float32, sampleRate int) ([]vad.Span, error)
}

// Config contains pool configuration
type Config struct {
	Recognizer      Recognizer
	Detector        Detector
	MaxRecognitions int
	MaxDetections   int
}

// Pool runs recognition and detection calls with bounded concurrency
type Pool struct {
	recognizer Recognizer
	detector   Detector
	recSlots   *semaphore.Weighted
	vadSlots   *semaphore.Weighted
	logger     *slog.Logger

	recognitions callStats
	detections   callStats
}

type callStats struct {
	inFlight  atomic.Int64
	waiting   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

// CallStats represents counters for one capability
type CallStats struct {
	InFlight  int64  `json:"in_flight"`
	Waiting   int64  `json:"waiting"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// PoolStats represents pool statistics
type PoolStats struct {
	Recognition CallStats `json:"recognition"`
	Detection   CallStats `json:"detection"`
}

// NewPool creates a new bounded pool
func NewPool(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.Recognizer == nil {
		return nil, fmt.Errorf("recognizer: %w", ErrNoCapability)
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector: %w", ErrNoCapability)
	}
	if cfg.MaxRecognitions <= 0 {
		return nil, fmt.Errorf("max recognitions must be positive, got %d", cfg.MaxRecognitions)
	}
	if cfg.MaxDetections <= 0 {
		return nil, fmt.Errorf("max detections must be positive, got %d", cfg.MaxDetections)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		recognizer: cfg.Recognizer,
		detector:   cfg.Detector,
		recSlots:   semaphore.NewWeighted(int64(cfg.MaxRecognitions)),
		vadSlots:   semaphore.NewWeighted(int64(cfg.MaxDetections)),
		logger:     logger.With(slog.String("component", "inference")),
	}, nil
}

// Recognize runs the recognizer once a recognition slot is available
func (p *Pool) Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	release, err := p.acquire(ctx, p.recSlots, &p.recognitions)
	if err != nil {
		return "", fmt.Errorf("waiting for recognition slot: %w", err)
	}
	defer release()

	start := time.Now()
	text, err := p.recognizer.Recognize(ctx, samples, sampleRate)
	p.finish(&p.recognitions, err)

	p.logger.Debug("Recognition call finished",
		slog.Int("samples", len(samples)),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil))

	return text, err
}

// DetectSpeech runs the detector once a detection slot is available
func (p *Pool) DetectSpeech(ctx context.Context, samples []float32, sampleRate int) ([]vad.Span, error) {
	release, err := p.acquire(ctx, p.vadSlots, &p.detections)
	if err != nil {
		return nil, fmt.Errorf("waiting for detection slot: %w", err)
	}
	defer release()

	spans, err := p.detector.DetectSpeech(ctx, samples, sampleRate)
	p.finish(&p.detections, err)
	return spans, err
}

func (p *Pool) acquire(ctx context.Context, slots *semaphore.Weighted, stats *callStats) (func(), error) {
	stats.waiting.Add(1)
	err := slots.Acquire(ctx, 1)
	stats.waiting.Add(-1)
	if err != nil {
		return nil, err
	}

	stats.inFlight.Add(1)
	return func() {
		stats.inFlight.Add(-1)
		slots.Release(1)
	}, nil
}

func (p *Pool) finish(stats *callStats, err error) {
	if err != nil {
		stats.failed.Add(1)
		return
	}
	stats.completed.Add(1)
}

// GetStats returns current pool statistics
func (p *Pool) GetStats() PoolStats {
	return PoolStats{
		Recognition: p.recognitions.snapshot(),
		Detection:   p.detections.snapshot(),
	}
}

func (s *callStats) snapshot() CallStats {
	return CallStats{
		InFlight:  s.inFlight.Load(),
		Waiting:   s.waiting.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
	}
}
