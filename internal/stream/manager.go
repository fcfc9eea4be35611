package stream

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/masayay/maispeech/internal/audio"
	"github.com/masayay/maispeech/internal/metrics"
)

// ManagerConfig contains configuration for the session registry
type ManagerConfig struct {
	SampleRate           int
	Channels             int
	EvalInterval         time.Duration
	MaxUtteranceDuration time.Duration // 0 disables the cap
	MaxSessions          int           // 0 means unlimited
}

// Manager is the registry of live sessions
type Manager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	config     ManagerConfig
	detector   SpeechDetector
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a new session registry
func NewManager(config ManagerConfig, detector SpeechDetector, dispatcher *Dispatcher, m *metrics.Metrics, logger *slog.Logger) (*Manager, error) {
	if detector == nil {
		return nil, fmt.Errorf("speech detector cannot be nil")
	}
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if config.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", config.SampleRate)
	}
	if config.Channels <= 0 {
		config.Channels = 1
	}
	if config.EvalInterval <= 0 {
		return nil, fmt.Errorf("evaluation interval must be positive, got %v", config.EvalInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		sessions:   make(map[string]*Session),
		config:     config,
		detector:   detector,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Open registers a fresh session for id
func (m *Manager) Open(id string, sink TranscriptSink) (*Session, error) {
	if sink == nil {
		return nil, fmt.Errorf("transcript sink cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[id]; exists {
		m.metrics.RecordSessionRejected("duplicate")
		return nil, fmt.Errorf("open %q: %w", id, ErrDuplicateSession)
	}

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.metrics.RecordSessionRejected("limit")
		return nil, fmt.Errorf("open %q: %w (%d)", id, ErrTooManySessions, m.config.MaxSessions)
	}

	maxSamples := 0
	if m.config.MaxUtteranceDuration > 0 {
		maxSamples = int(m.config.MaxUtteranceDuration.Seconds() * float64(m.config.SampleRate*m.config.Channels))
	}

	now := m.now()
	session := &Session{
		ID:                  id,
		StartTime:           now,
		raw:                 audio.NewFrameBuffer(),
		utterance:           audio.NewFrameBuffer(),
		segmenter:           NewSegmenter(),
		lastEval:            now,
		sink:                sink,
		evalInterval:        m.config.EvalInterval,
		sampleRate:          m.config.SampleRate,
		channels:            m.config.Channels,
		maxUtteranceSamples: maxSamples,
		detector:            m.detector,
		dispatcher:          m.dispatcher,
		metrics:             m.metrics,
		logger:              m.logger,
	}

	m.sessions[id] = session
	m.metrics.RecordSessionOpened(len(m.sessions))

	m.logger.Info("Session opened",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return session, nil
}

// Close removes the session and discards its buffers. Unknown ids are ignored.
func (m *Manager) Close(id string) {
	m.mu.Lock()
	session, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()

	info := session.Info()
	m.metrics.RecordSessionClosed(active, info.Duration.Seconds())

	m.logger.Info("Session closed",
		slog.String("session_id", id),
		slog.Duration("duration", info.Duration),
		slog.Uint64("frames_received", info.FramesReceived),
		slog.Uint64("utterances", info.Utterances),
		slog.Uint64("transcripts", info.Transcripts),
		slog.Uint64("recognition_failures", info.RecognitionFailures),
		slog.Int("active_sessions", active),
	)
}

// Get returns the registered session for id
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	if !exists {
		return nil, fmt.Errorf("get %q: %w", id, ErrUnknownSession)
	}
	return session, nil
}

// Count returns the number of registered sessions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sessions returns a snapshot of all registered sessions ordered by start time
func (m *Manager) Sessions() []SessionInfo {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for _, session := range m.sessions {
		infos = append(infos, session.Info())
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartTime.Equal(infos[j].StartTime) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartTime.Before(infos[j].StartTime)
	})

	return infos
}

// Config returns the registry configuration
func (m *Manager) Config() ManagerConfig {
	return m.config
}
