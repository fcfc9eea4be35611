package stream

import (
	"context"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/masayay/maispeech/internal/metrics"
	"github.com/masayay/maispeech/internal/vad"
)

const testSampleRate = 16000

var testBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDetector reports speech when any sample reaches 0.5
type fakeDetector struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (d *fakeDetector) DetectSpeech(ctx context.Context, samples []float32, sampleRate int) ([]vad.Span, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()

	if d.err != nil {
		return nil, d.err
	}
	for i, s := range samples {
		if math.Abs(float64(s)) >= 0.5 {
			return []vad.Span{{Start: i, End: len(samples)}}, nil
		}
	}
	return nil, nil
}

// fakeRecognizer records every call. By default it answers "text".
type fakeRecognizer struct {
	mu     sync.Mutex
	calls  [][]float32
	text   func(samples []float32) string
	errs   []error // consumed in order, nil entries succeed
	called chan struct{}
}

func (r *fakeRecognizer) Recognize(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, append([]float32(nil), samples...))

	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		if err != nil {
			return "", err
		}
	}

	if r.text != nil {
		return r.text(samples), nil
	}
	return "text", nil
}

func (r *fakeRecognizer) Calls() [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]float32(nil), r.calls...)
}

// fakeSink collects delivered transcripts
type fakeSink struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (s *fakeSink) SendTranscript(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.texts = append(s.texts, text)
	return nil
}

func (s *fakeSink) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// fakeSaver records saved utterances
type fakeSaver struct {
	mu    sync.Mutex
	saved map[string]int
	err   error
}

func (s *fakeSaver) Save(utteranceID string, samples []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	if s.saved == nil {
		s.saved = make(map[string]int)
	}
	s.saved[utteranceID] = len(samples)
	return "/tmp/" + utteranceID + ".wav", nil
}

type testEnv struct {
	manager    *Manager
	recognizer *fakeRecognizer
	detector   *fakeDetector
	metrics    *metrics.Metrics
}

func newTestEnv(t *testing.T, cfg ManagerConfig, saver Saver) *testEnv {
	t.Helper()

	if cfg.SampleRate == 0 {
		cfg.SampleRate = testSampleRate
	}
	if cfg.EvalInterval == 0 {
		cfg.EvalInterval = time.Second
	}

	rec := &fakeRecognizer{}
	det := &fakeDetector{}

	dispatcher, err := NewDispatcher(DispatcherConfig{
		Recognizer: rec,
		Saver:      saver,
		SampleRate: cfg.SampleRate,
		Channels:   1,
	}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}

	mgr, err := NewManager(cfg, det, dispatcher, nil, testLogger())
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	mgr.now = func() time.Time { return testBase }

	return &testEnv{manager: mgr, recognizer: rec, detector: det}
}

func (e *testEnv) open(t *testing.T, id string) (*Session, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	s, err := e.manager.Open(id, sink)
	if err != nil {
		t.Fatalf("Failed to open session %s: %v", id, err)
	}
	return s, sink
}

func filled(n int, v float32) []float32 {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return samples
}

func speech(n int) []float32 {
	return filled(n, 0.9)
}

func silence(n int) []float32 {
	return make([]float32, n)
}

// tickAt returns the time of the n-th tick when each frame arrives just after the interval
func tickAt(n int) time.Time {
	return testBase.Add(time.Duration(n) * 1100 * time.Millisecond)
}
