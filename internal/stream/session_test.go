package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestHandleFrameTicksOnlyAfterInterval(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	s, _ := env.open(t, "a")
	ctx := context.Background()

	frames := []struct {
		at            time.Duration
		expectedTicks uint64
	}{
		{200 * time.Millisecond, 0},
		{900 * time.Millisecond, 0},
		{1000 * time.Millisecond, 0}, // exactly the interval does not tick
		{1001 * time.Millisecond, 1},
		{1500 * time.Millisecond, 1},
		{2100 * time.Millisecond, 2},
	}

	for _, f := range frames {
		if err := s.HandleFrame(ctx, silence(160), testBase.Add(f.at)); err != nil {
			t.Fatalf("HandleFrame failed: %v", err)
		}
		if got := s.Info().Ticks; got != f.expectedTicks {
			t.Errorf("At %v: expected %d ticks, got %d", f.at, f.expectedTicks, got)
		}
	}
}

func TestSpeechSpeechSilenceProducesOneUtterance(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	s, sink := env.open(t, "a")
	ctx := context.Background()

	chunks := [][]float32{speech(160), speech(160), silence(160)}
	for i, chunk := range chunks {
		if err := s.HandleFrame(ctx, chunk, tickAt(i+1)); err != nil {
			t.Fatalf("Tick %d failed: %v", i+1, err)
		}
	}

	calls := env.recognizer.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 recognition, got %d", len(calls))
	}

	utt := calls[0]
	if len(utt) != 480 {
		t.Fatalf("Expected 480 samples including the trailing silence, got %d", len(utt))
	}
	for i, v := range utt {
		want := float32(0.9)
		if i >= 320 {
			want = 0
		}
		if v != want {
			t.Fatalf("Sample %d: expected %v, got %v", i, want, v)
		}
	}

	if texts := sink.Texts(); len(texts) != 1 || texts[0] != "text" {
		t.Errorf("Expected one transcript, got %v", texts)
	}
	if s.State() != StateIdle {
		t.Errorf("Expected idle after boundary, got %s", s.State())
	}

	info := s.Info()
	if info.Boundaries != 1 || info.Utterances != 1 || info.Transcripts != 1 {
		t.Errorf("Unexpected counters: %+v", info)
	}
}

func TestSilenceTicksNeverRecognize(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	s, sink := env.open(t, "a")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := s.HandleFrame(ctx, silence(160), tickAt(i)); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}

	if calls := env.recognizer.Calls(); len(calls) != 0 {
		t.Errorf("Expected no recognition, got %d calls", len(calls))
	}
	if texts := sink.Texts(); len(texts) != 0 {
		t.Errorf("Expected no transcripts, got %v", texts)
	}
	if ticks := s.Info().Ticks; ticks != 5 {
		t.Errorf("Expected 5 ticks, got %d", ticks)
	}
}

func TestUtteranceSpansFramesBetweenTicks(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	s, _ := env.open(t, "a")
	ctx := context.Background()

	// Three frames collected into the first tick
	s.HandleFrame(ctx, filled(100, 0.6), testBase.Add(300*time.Millisecond))
	s.HandleFrame(ctx, filled(100, 0.7), testBase.Add(600*time.Millisecond))
	s.HandleFrame(ctx, filled(100, 0.8), testBase.Add(1100*time.Millisecond))
	// Boundary
	s.HandleFrame(ctx, silence(50), testBase.Add(2200*time.Millisecond))

	calls := env.recognizer.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected 1 recognition, got %d", len(calls))
	}
	utt := calls[0]
	if len(utt) != 350 {
		t.Fatalf("Expected 350 samples, got %d", len(utt))
	}
	checks := map[int]float32{0: 0.6, 99: 0.6, 100: 0.7, 200: 0.8, 299: 0.8, 300: 0}
	for i, want := range checks {
		if utt[i] != want {
			t.Errorf("Sample %d: expected %v, got %v", i, want, utt[i])
		}
	}
}

func TestFlushMidUtterance(t *testing.T) {
	tests := []struct {
		name   string
		frames []struct {
			chunk []float32
			at    time.Time
		}
		expectedCalls   int
		expectedSamples int
	}{
		{
			name: "accumulating with empty raw buffer",
			frames: []struct {
				chunk []float32
				at    time.Time
			}{
				{speech(160), tickAt(1)},
				{speech(160), tickAt(2)},
			},
			expectedCalls:   1,
			expectedSamples: 320,
		},
		{
			name: "accumulating with pending raw frames",
			frames: []struct {
				chunk []float32
				at    time.Time
			}{
				{speech(160), tickAt(1)},
				{silence(80), tickAt(1).Add(100 * time.Millisecond)},
			},
			expectedCalls:   1,
			expectedSamples: 240,
		},
		{
			name: "idle with pending speech",
			frames: []struct {
				chunk []float32
				at    time.Time
			}{
				{speech(160), testBase.Add(100 * time.Millisecond)},
			},
			expectedCalls:   1,
			expectedSamples: 160,
		},
		{
			name: "idle with pending silence",
			frames: []struct {
				chunk []float32
				at    time.Time
			}{
				{silence(160), tickAt(1)},
				{silence(160), tickAt(1).Add(100 * time.Millisecond)},
			},
			expectedCalls: 0,
		},
		{
			name:          "no audio at all",
			expectedCalls: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, ManagerConfig{}, nil)
			s, _ := env.open(t, "a")
			ctx := context.Background()

			for _, f := range tt.frames {
				if err := s.HandleFrame(ctx, f.chunk, f.at); err != nil {
					t.Fatalf("HandleFrame failed: %v", err)
				}
			}

			if err := s.Flush(ctx); err != nil {
				t.Fatalf("Flush failed: %v", err)
			}

			calls := env.recognizer.Calls()
			if len(calls) != tt.expectedCalls {
				t.Fatalf("Expected %d recognitions, got %d", tt.expectedCalls, len(calls))
			}
			if tt.expectedCalls > 0 && len(calls[0]) != tt.expectedSamples {
				t.Errorf("Expected %d samples, got %d", tt.expectedSamples, len(calls[0]))
			}
			if s.State() != StateIdle {
				t.Errorf("Expected idle after flush, got %s", s.State())
			}

			// A second flush has nothing left
			if err := s.Flush(ctx); err != nil {
				t.Fatalf("Second flush failed: %v", err)
			}
			if calls := env.recognizer.Calls(); len(calls) != tt.expectedCalls {
				t.Errorf("Second flush recognized again: %d calls", len(calls))
			}
		})
	}
}

func TestFinalizeCountMatchesBoundariesPlusFlush(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	s, _ := env.open(t, "a")
	ctx := context.Background()

	pattern := []bool{true, false, false, true, true, false, true, true}
	for i, isSpeech := range pattern {
		chunk := silence(160)
		if isSpeech {
			chunk = speech(160)
		}
		if err := s.HandleFrame(ctx, chunk, tickAt(i+1)); err != nil {
			t.Fatalf("Tick %d failed: %v", i+1, err)
		}
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	info := s.Info()
	if info.Boundaries != 2 {
		t.Errorf("Expected 2 boundaries, got %d", info.Boundaries)
	}
	// Two boundary utterances plus the one open at disconnect
	if calls := env.recognizer.Calls(); len(calls) != 3 {
		t.Errorf("Expected 3 recognitions, got %d", len(calls))
	}
	if info.Utterances != 3 {
		t.Errorf("Expected 3 utterances, got %d", info.Utterances)
	}
}

func TestRecognitionFailureIsPerUtterance(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	engineErr := errors.New("model exploded")
	env.recognizer.errs = []error{engineErr, nil}

	s, sink := env.open(t, "a")
	ctx := context.Background()

	s.HandleFrame(ctx, speech(160), tickAt(1))
	err := s.HandleFrame(ctx, silence(160), tickAt(2))

	var recErr *RecognitionError
	if !errors.As(err, &recErr) {
		t.Fatalf("Expected RecognitionError, got %v", err)
	}
	if recErr.SessionID != "a" || recErr.UtteranceID == "" || recErr.Samples != 320 {
		t.Errorf("Unexpected error fields: %+v", recErr)
	}
	if !errors.Is(err, engineErr) {
		t.Error("Expected error to wrap the engine error")
	}
	if len(sink.Texts()) != 0 {
		t.Error("No transcript expected for a failed utterance")
	}

	// The next utterance is unaffected
	s.HandleFrame(ctx, speech(160), tickAt(3))
	if err := s.HandleFrame(ctx, silence(160), tickAt(4)); err != nil {
		t.Fatalf("Second utterance failed: %v", err)
	}

	calls := env.recognizer.Calls()
	if len(calls) != 2 || len(calls[1]) != 320 {
		t.Errorf("Expected second utterance of 320 samples, got %d calls", len(calls))
	}
	if texts := sink.Texts(); len(texts) != 1 {
		t.Errorf("Expected 1 transcript, got %v", texts)
	}
	if failures := s.Info().RecognitionFailures; failures != 1 {
		t.Errorf("Expected 1 recognition failure, got %d", failures)
	}
}

func TestDetectorFailureTreatedAsSilence(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	s, _ := env.open(t, "a")
	ctx := context.Background()

	s.HandleFrame(ctx, speech(160), tickAt(1))
	env.detector.err = errors.New("detector offline")

	if err := s.HandleFrame(ctx, speech(160), tickAt(2)); err != nil {
		t.Fatalf("Expected tick to succeed, got %v", err)
	}

	calls := env.recognizer.Calls()
	if len(calls) != 1 || len(calls[0]) != 320 {
		t.Errorf("Expected the open utterance to be finalized, got %d calls", len(calls))
	}
}

func TestMaxUtteranceDurationForcesFinalize(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{MaxUtteranceDuration: 20 * time.Millisecond}, nil) // 320 samples
	s, _ := env.open(t, "a")
	ctx := context.Background()

	s.HandleFrame(ctx, speech(160), tickAt(1))
	if calls := env.recognizer.Calls(); len(calls) != 0 {
		t.Fatalf("Expected no recognition below the cap, got %d", len(calls))
	}

	s.HandleFrame(ctx, speech(160), tickAt(2))
	calls := env.recognizer.Calls()
	if len(calls) != 1 || len(calls[0]) != 320 {
		t.Fatalf("Expected forced finalize of 320 samples, got %d calls", len(calls))
	}
	if s.State() != StateIdle {
		t.Errorf("Expected idle after forced finalize, got %s", s.State())
	}

	// Speech continues in a fresh utterance
	s.HandleFrame(ctx, speech(160), tickAt(3))
	s.HandleFrame(ctx, silence(160), tickAt(4))
	calls = env.recognizer.Calls()
	if len(calls) != 2 || len(calls[1]) != 320 {
		t.Errorf("Expected second utterance of 320 samples, got %d calls", len(calls))
	}
}

func TestEmptyTextIsNotDelivered(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	env.recognizer.text = func([]float32) string { return "" }
	s, sink := env.open(t, "a")
	ctx := context.Background()

	s.HandleFrame(ctx, speech(160), tickAt(1))
	if err := s.HandleFrame(ctx, silence(160), tickAt(2)); err != nil {
		t.Fatalf("Expected no error for empty text, got %v", err)
	}

	if len(env.recognizer.Calls()) != 1 {
		t.Error("Expected recognizer to be called")
	}
	if texts := sink.Texts(); len(texts) != 0 {
		t.Errorf("Expected no transcript, got %v", texts)
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	env.recognizer.text = func(samples []float32) string {
		return fmt.Sprintf("%.3f", samples[0])
	}

	const sessions = 8
	const utterances = 4

	sinks := make([]*fakeSink, sessions)
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		s, sink := env.open(t, fmt.Sprintf("session-%d", i))
		sinks[i] = sink

		wg.Add(1)
		go func(i int, s *Session) {
			defer wg.Done()
			ctx := context.Background()
			tick := 1
			for k := 0; k < utterances; k++ {
				amp := float32(0.5 + float64(i)/100 + float64(k)/1000)
				if err := s.HandleFrame(ctx, filled(160, amp), tickAt(tick)); err != nil {
					t.Errorf("Session %d: %v", i, err)
				}
				if err := s.HandleFrame(ctx, silence(160), tickAt(tick+1)); err != nil {
					t.Errorf("Session %d: %v", i, err)
				}
				tick += 2
			}
		}(i, s)
	}
	wg.Wait()

	for i, sink := range sinks {
		texts := sink.Texts()
		if len(texts) != utterances {
			t.Fatalf("Session %d: expected %d transcripts, got %d", i, utterances, len(texts))
		}
		for k, text := range texts {
			want := fmt.Sprintf("%.3f", float32(0.5+float64(i)/100+float64(k)/1000))
			if text != want {
				t.Errorf("Session %d transcript %d: expected %s, got %s", i, k, want, text)
			}
		}
	}
}

func TestInfoReportsBufferSnapshot(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	s, _ := env.open(t, "a")
	ctx := context.Background()

	if err := s.HandleFrame(ctx, speech(8000), testBase.Add(500*time.Millisecond)); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	info := s.Info()
	if info.RawSamples != 8000 || info.RawBuffer.BufferedChunks != 1 {
		t.Errorf("Expected 8000 raw samples in 1 chunk, got %d in %d", info.RawSamples, info.RawBuffer.BufferedChunks)
	}
	if info.UtteranceSamples != 0 || info.UtteranceDuration != 0 {
		t.Errorf("Expected empty utterance, got %d samples", info.UtteranceSamples)
	}

	if err := s.HandleFrame(ctx, speech(8000), tickAt(1)); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	info = s.Info()
	if info.RawSamples != 0 || info.RawBuffer.TotalChunks != 2 || info.RawBuffer.TotalSamples != 16000 {
		t.Errorf("Unexpected raw buffer after tick: %+v", info.RawBuffer)
	}
	if info.UtteranceSamples != 16000 || info.UtteranceBuffer.BufferedChunks != 1 {
		t.Errorf("Unexpected utterance buffer after tick: %+v", info.UtteranceBuffer)
	}
	if info.UtteranceDuration != time.Second {
		t.Errorf("Expected 1s utterance, got %v", info.UtteranceDuration)
	}

	if err := s.HandleFrame(ctx, silence(160), tickAt(2)); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}

	info = s.Info()
	if info.UtteranceSamples != 0 || info.UtteranceDuration != 0 {
		t.Errorf("Expected drained utterance, got %d samples", info.UtteranceSamples)
	}
	if info.UtteranceBuffer.TotalSamples != 16160 {
		t.Errorf("Expected 16160 samples through the utterance buffer, got %d", info.UtteranceBuffer.TotalSamples)
	}
}

func TestSlowRecognitionDelaysNextTick(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	env.recognizer.text = func([]float32) string {
		time.Sleep(200 * time.Millisecond)
		return "text"
	}
	s, sink := env.open(t, "a")
	ctx := context.Background()

	s.HandleFrame(ctx, speech(160), tickAt(1))
	s.HandleFrame(ctx, silence(160), tickAt(2))
	if len(sink.Texts()) != 1 {
		t.Fatalf("Expected one transcript, got %v", sink.Texts())
	}

	// 1.1s after the frame, but less than the interval after recognition finished
	s.HandleFrame(ctx, silence(160), tickAt(3))
	if ticks := s.Info().Ticks; ticks != 2 {
		t.Errorf("Expected 2 ticks, got %d", ticks)
	}
}
