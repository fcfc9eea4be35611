package stream

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewManagerValidation(t *testing.T) {
	dispatcher, err := NewDispatcher(DispatcherConfig{Recognizer: &fakeRecognizer{}, SampleRate: testSampleRate}, testLogger())
	if err != nil {
		t.Fatalf("Failed to create dispatcher: %v", err)
	}
	valid := ManagerConfig{SampleRate: testSampleRate, Channels: 1, EvalInterval: time.Second}

	tests := []struct {
		name       string
		cfg        ManagerConfig
		detector   SpeechDetector
		dispatcher *Dispatcher
		expectErr  bool
	}{
		{"valid", valid, &fakeDetector{}, dispatcher, false},
		{"missing detector", valid, nil, dispatcher, true},
		{"missing dispatcher", valid, &fakeDetector{}, nil, true},
		{"zero sample rate", ManagerConfig{EvalInterval: time.Second}, &fakeDetector{}, dispatcher, true},
		{"zero interval", ManagerConfig{SampleRate: testSampleRate}, &fakeDetector{}, dispatcher, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.cfg, tt.detector, tt.dispatcher, nil, testLogger())
			if tt.expectErr && err == nil {
				t.Error("Expected error, got nil")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestOpenDuplicateSession(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	env.open(t, "key")

	_, err := env.manager.Open("key", &fakeSink{})
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("Expected ErrDuplicateSession, got %v", err)
	}
	if env.manager.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", env.manager.Count())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	env.open(t, "key")

	env.manager.Close("key")
	env.manager.Close("key")
	env.manager.Close("never-opened")

	if env.manager.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", env.manager.Count())
	}

	// The id can be reused once closed
	if _, err := env.manager.Open("key", &fakeSink{}); err != nil {
		t.Errorf("Expected reopen to succeed, got %v", err)
	}
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	opened, _ := env.open(t, "key")

	got, err := env.manager.Get("key")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != opened {
		t.Error("Expected the opened session")
	}

	if _, err := env.manager.Get("missing"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}

	env.manager.Close("key")
	if _, err := env.manager.Get("key"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession after close, got %v", err)
	}
}

func TestOpenSessionLimit(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{MaxSessions: 2}, nil)
	env.open(t, "a")
	env.open(t, "b")

	if _, err := env.manager.Open("c", &fakeSink{}); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("Expected ErrTooManySessions, got %v", err)
	}

	env.manager.Close("a")
	if _, err := env.manager.Open("c", &fakeSink{}); err != nil {
		t.Errorf("Expected open after close to succeed, got %v", err)
	}
}

func TestOpenRequiresSink(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	if _, err := env.manager.Open("a", nil); err == nil {
		t.Error("Expected error for nil sink")
	}
}

func TestSessionsSnapshot(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)
	clock := testBase
	env.manager.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	env.open(t, "second")
	env.open(t, "first")

	infos := env.manager.Sessions()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(infos))
	}
	if infos[0].ID != "second" || infos[1].ID != "first" {
		t.Errorf("Expected start-time order, got %s, %s", infos[0].ID, infos[1].ID)
	}
	if infos[0].State != "idle" {
		t.Errorf("Expected idle state, got %s", infos[0].State)
	}
}

func TestConcurrentOpenClose(t *testing.T) {
	env := newTestEnv(t, ManagerConfig{}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	duplicates := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s-%d", i%10)
			if _, err := env.manager.Open(id, &fakeSink{}); err != nil {
				if !errors.Is(err, ErrDuplicateSession) {
					t.Errorf("Unexpected error: %v", err)
				}
				mu.Lock()
				duplicates++
				mu.Unlock()
			}
			env.manager.Sessions()
		}(i)
	}
	wg.Wait()

	if env.manager.Count() != 10 {
		t.Errorf("Expected 10 sessions, got %d", env.manager.Count())
	}
	if duplicates != 40 {
		t.Errorf("Expected 40 duplicates, got %d", duplicates)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			env.manager.Close(fmt.Sprintf("s-%d", i))
			env.manager.Close(fmt.Sprintf("s-%d", i))
		}(i)
	}
	wg.Wait()

	if env.manager.Count() != 0 {
		t.Errorf("Expected 0 sessions, got %d", env.manager.Count())
	}
}
