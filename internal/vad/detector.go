package vad

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Detector classifies sample spans as speech or silence using windowed RMS energy.
// It holds no per-stream state, so one Detector can serve every session concurrently.
type Detector struct {
	threshold         float64
	windowSize        int // samples per analysis window
	minSpeechDuration time.Duration
	channels          int

	// Statistics, guarded by mu
	totalCalls    uint64
	totalWindows  uint64
	voiceWindows  uint64
	spansDetected uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// Config contains detector configuration
type Config struct {
	Threshold         float64       // RMS level (0-1) at or above which a window is voiced
	WindowSize        int           // Samples per analysis window
	MinSpeechDuration time.Duration // Spans shorter than this are dropped
	Channels          int           // Interleaved channel count of the input
}

// Span is a contiguous run of voiced samples, as sample offsets into the analysed slice
type Span struct {
	Start     int     `json:"start"`      // First sample offset (inclusive)
	End       int     `json:"end"`        // Last sample offset (exclusive)
	PeakLevel float64 `json:"peak_level"` // Highest window RMS inside the span
}

// Len returns the span length in samples
func (s Span) Len() int {
	return s.End - s.Start
}

// Duration returns the span length at the given sample rate and channel count
func (s Span) Duration(sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	return time.Duration(s.Len()/channels) * time.Second / time.Duration(sampleRate)
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	Threshold       float64   `json:"threshold"`
	WindowSize      int       `json:"window_size"`
	TotalCalls      uint64    `json:"total_calls"`
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	SpansDetected   uint64    `json:"spans_detected"`
	LastProcessed   time.Time `json:"last_processed"`
}

// NewDetector creates a new energy-based detector
func NewDetector(cfg Config) (*Detector, error) {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1 (exclusive), got %f", cfg.Threshold)
	}

	if cfg.WindowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", cfg.WindowSize)
	}

	if cfg.MinSpeechDuration < 0 {
		return nil, fmt.Errorf("min speech duration cannot be negative, got %v", cfg.MinSpeechDuration)
	}

	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}

	return &Detector{
		threshold:         cfg.Threshold,
		windowSize:        cfg.WindowSize,
		minSpeechDuration: cfg.MinSpeechDuration,
		channels:          cfg.Channels,
	}, nil
}

// DetectSpeech returns the speech spans found in samples. An empty input yields no spans.
func (d *Detector) DetectSpeech(ctx context.Context, samples []float32, sampleRate int) ([]Span, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	threshold := d.threshold
	windowSize := d.windowSize
	minSpeech := int(d.minSpeechDuration.Seconds()*float64(sampleRate)) * d.channels

	var (
		spans   []Span
		current *Span
		windows uint64
		voiced  uint64
	)

	for start := 0; start < len(samples); start += windowSize {
		end := start + windowSize
		if end > len(samples) {
			end = len(samples)
		}

		level := rms(samples[start:end])
		windows++

		if level >= threshold {
			voiced++
			if current == nil {
				current = &Span{Start: start}
			}
			current.End = end
			if level > current.PeakLevel {
				current.PeakLevel = level
			}
			continue
		}

		if current != nil {
			spans = appendSpan(spans, *current, minSpeech)
			current = nil
		}
	}

	if current != nil {
		spans = appendSpan(spans, *current, minSpeech)
	}

	d.mu.Lock()
	d.totalCalls++
	d.totalWindows += windows
	d.voiceWindows += voiced
	d.spansDetected += uint64(len(spans))
	d.lastProcessed = time.Now()
	d.mu.Unlock()

	return spans, nil
}

func appendSpan(spans []Span, span Span, minSamples int) []Span {
	if span.Len() < minSamples {
		return spans
	}
	return append(spans, span)
}

// rms returns the root-mean-square level of samples in [-1, 1]
func rms(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		energy += float64(s) * float64(s)
	}
	return math.Sqrt(energy / float64(len(samples)))
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	voicePercentage := float64(0)
	if d.totalWindows > 0 {
		voicePercentage = float64(d.voiceWindows) / float64(d.totalWindows) * 100
	}

	return DetectorStats{
		Threshold:       d.threshold,
		WindowSize:      d.windowSize,
		TotalCalls:      d.totalCalls,
		TotalWindows:    d.totalWindows,
		VoiceWindows:    d.voiceWindows,
		VoicePercentage: voicePercentage,
		SpansDetected:   d.spansDetected,
		LastProcessed:   d.lastProcessed,
	}
}
