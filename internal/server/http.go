package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masayay/maispeech/internal/config"
	"github.com/masayay/maispeech/internal/inference"
	"github.com/masayay/maispeech/internal/metrics"
	"github.com/masayay/maispeech/internal/stream"
	"github.com/masayay/maispeech/internal/transcription"
	"github.com/masayay/maispeech/internal/vad"
)

// Deps are the components the server exposes. Recognition, Detector and Pool are optional.
type Deps struct {
	Name        string // reported by /health
	Version     string
	Config      *config.Config
	Manager     *stream.Manager
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Recognition *transcription.Client
	Detector    *vad.Detector
	Pool        *inference.Pool
}

// Server serves the websocket endpoint and the monitoring API
type Server struct {
	server *http.Server
	router chi.Router
	ws     *WSHandler
	deps   Deps
	logger *slog.Logger

	startTime time.Time
}

// New creates the HTTP server and its routes
func New(deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Manager == nil {
		return nil, fmt.Errorf("session manager cannot be nil")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		deps:      deps,
		logger:    logger,
		startTime: time.Now(),
	}

	s.ws = NewWSHandler(deps.Manager, WSConfig{
		ReadLimit:    deps.Config.Server.ReadLimit,
		WriteTimeout: deps.Config.Server.GetWriteTimeoutDuration(),
		FlushTimeout: deps.Config.Recognition.GetFlushTimeoutDuration(),
	}, deps.Metrics, logger)

	s.router = s.routes()

	s.server = &http.Server{
		Addr:              deps.Config.Server.ListenAddress(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s, nil
}

// routes configures the router
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Speech endpoint
	r.Get("/ws", s.ws.ServeHTTP)

	// Monitoring endpoints
	r.Get("/health", s.withMetrics("/health", s.handleHealth))
	r.Get("/sessions", s.withMetrics("/sessions", s.handleSessions))
	r.Get("/sessions/{id}", s.withMetrics("/sessions/{id}", s.handleSessionDetail))
	r.Get("/config", s.withMetrics("/config", s.handleConfig))
	r.Get("/stats", s.withMetrics("/stats", s.handleStats))

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	return r
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *Server) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		handler(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", status), time.Since(startTime).Seconds())
	}
}

// Start starts listening in the background
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server",
		slog.String("address", s.server.Addr),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting requests, then closes websocket sessions and waits for their flush
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server...")

	httpErr := s.server.Shutdown(ctx)
	wsErr := s.ws.Shutdown(ctx)

	return errors.Join(httpErr, wsErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]interface{}{
			"name":    s.deps.Name,
			"version": s.deps.Version,
		},
		"sessions": map[string]interface{}{
			"active":      s.deps.Manager.Count(),
			"connections": s.ws.ActiveConnections(),
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.deps.Manager.Sessions()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	// Handshake keys are base64 and may contain an escaped '/'
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "Invalid session id", http.StatusBadRequest)
		return
	}

	session, err := s.deps.Manager.Get(id)
	if errors.Is(err, stream.ErrUnknownSession) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, session.Info())
}

// handleConfig implements the /config endpoint. The API key is never returned.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.deps.Config

	sanitized := map[string]interface{}{
		"server": map[string]interface{}{
			"address":       cfg.Server.Address,
			"port":          cfg.Server.Port,
			"max_sessions":  cfg.Server.MaxSessions,
			"read_limit":    cfg.Server.ReadLimit,
			"write_timeout": cfg.Server.WriteTimeout,
		},
		"audio": map[string]interface{}{
			"sample_rate":            cfg.Audio.SampleRate,
			"channels":               cfg.Audio.Channels,
			"bit_depth":              cfg.Audio.BitDepth,
			"eval_interval":          cfg.Audio.EvalInterval,
			"max_utterance_duration": cfg.Audio.MaxUtteranceDuration,
		},
		"vad": map[string]interface{}{
			"threshold":           cfg.VAD.Threshold,
			"window_size":         cfg.VAD.WindowSize,
			"min_speech_duration": cfg.VAD.MinSpeechDuration,
			"max_concurrent":      cfg.VAD.MaxConcurrent,
		},
		"recognition": map[string]interface{}{
			"endpoint":       cfg.Recognition.Endpoint,
			"model":          cfg.Recognition.Model,
			"cache_dir":      cfg.Recognition.CacheDir,
			"language":       cfg.Recognition.Language,
			"timeout":        cfg.Recognition.Timeout,
			"max_retries":    cfg.Recognition.MaxRetries,
			"max_concurrent": cfg.Recognition.MaxConcurrent,
			"flush_timeout":  cfg.Recognition.FlushTimeout,
			"api_key_set":    cfg.Recognition.APIKey != "",
		},
		"persistence": map[string]interface{}{
			"enabled":   cfg.Persistence.Enabled,
			"directory": cfg.Persistence.Directory,
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitized)
}

// handleStats implements the /stats endpoint
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active":      s.deps.Manager.Count(),
			"connections": s.ws.ActiveConnections(),
		},
	}

	if s.deps.Recognition != nil {
		stats["recognition"] = s.deps.Recognition.GetStats()
	}
	if s.deps.Detector != nil {
		stats["vad"] = s.deps.Detector.GetStats()
	}
	if s.deps.Pool != nil {
		stats["inference"] = s.deps.Pool.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}
