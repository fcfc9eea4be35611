package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/masayay/maispeech/internal/metrics"
	"github.com/masayay/maispeech/internal/protocol"
	"github.com/masayay/maispeech/internal/stream"
)

// ErrTransportClosed marks a normal client disconnect
var ErrTransportClosed = errors.New("transport closed")

// WSConfig contains websocket transport configuration
type WSConfig struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	FlushTimeout time.Duration
}

// WSHandler serves the /ws speech endpoint
type WSHandler struct {
	manager  *stream.Manager
	config   WSConfig
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	conns    map[*websocket.Conn]struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
	draining atomic.Bool
}

// NewWSHandler creates a websocket handler bound to the session registry
func NewWSHandler(manager *stream.Manager, cfg WSConfig, m *metrics.Metrics, logger *slog.Logger) *WSHandler {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 10 * time.Second
	}

	return &WSHandler{
		manager: manager,
		config:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics: m,
		logger:  logger.With(slog.String("component", "ws")),
		now:     time.Now,
		conns:   make(map[*websocket.Conn]struct{}),
	}
}

// wsSink writes transcripts to a websocket connection
type wsSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSink) SendTranscript(ctx context.Context, text string) error {
	deadline := time.Now().Add(s.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, protocol.EncodeTranscript(text)); err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

// ServeHTTP upgrades the request and runs the connection until it closes
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The handshake key is unique per connection and identifies the session
	id := r.Header.Get("Sec-WebSocket-Key")
	if id == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	if !h.track(conn) {
		h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}
	defer h.untrack(conn)
	defer conn.Close()

	if h.config.ReadLimit > 0 {
		conn.SetReadLimit(h.config.ReadLimit)
	}

	// Reply to the client's close frame only after the final flush so a
	// trailing transcript can still be written.
	conn.SetCloseHandler(func(int, string) error { return nil })

	session, err := h.manager.Open(id, &wsSink{conn: conn, writeTimeout: h.config.WriteTimeout})
	if err != nil {
		code := websocket.ClosePolicyViolation
		if errors.Is(err, stream.ErrTooManySessions) {
			code = websocket.CloseTryAgainLater
		}
		h.logger.Warn("Session rejected",
			slog.String("session_id", id),
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		h.closeWith(conn, code, err.Error())
		return
	}
	defer h.manager.Close(id)

	h.logger.Info("Client connected",
		slog.String("session_id", id),
		slog.String("remote_addr", r.RemoteAddr),
	)

	readErr := h.readLoop(context.Background(), conn, session)
	if errors.Is(readErr, ErrTransportClosed) {
		h.logger.Info("Client disconnected", slog.String("session_id", id))
	} else if readErr != nil {
		h.logger.Warn("Connection ended with error",
			slog.String("session_id", id),
			slog.String("error", readErr.Error()),
		)
	}

	h.flush(session)

	if h.draining.Load() {
		h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}
	h.closeWith(conn, websocket.CloseNormalClosure, "")
}

// readLoop feeds binary frames into the session until the connection fails
func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, session *stream.Session) error {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return ErrTransportClosed
			}
			// Shutdown expires the read deadline to stop the loop
			var netErr net.Error
			if h.draining.Load() && errors.As(err, &netErr) && netErr.Timeout() {
				return ErrTransportClosed
			}
			return fmt.Errorf("read failed: %w", err)
		}

		if messageType != websocket.BinaryMessage {
			continue
		}

		samples, err := protocol.ParseAudioFrame(data)
		if err != nil {
			h.metrics.RecordFrameError()
			h.logger.Warn("Rejected audio frame",
				slog.String("session_id", session.ID),
				slog.Int("bytes", len(data)),
				slog.String("error", err.Error()),
			)
			continue
		}
		h.metrics.RecordFrame(len(samples))

		if err := session.HandleFrame(ctx, samples, h.now()); err != nil {
			var recErr *stream.RecognitionError
			if errors.As(err, &recErr) {
				h.logger.Warn("Recognition failed, continuing",
					slog.String("session_id", session.ID),
					slog.String("utterance_id", recErr.UtteranceID),
					slog.String("error", recErr.Err.Error()),
				)
				continue
			}
			return err
		}
	}
}

// flush recognizes whatever the session still holds, bounded by the flush timeout
func (h *WSHandler) flush(session *stream.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), h.config.FlushTimeout)
	defer cancel()

	if err := session.Flush(ctx); err != nil {
		h.logger.Warn("Final flush did not complete",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *WSHandler) closeWith(conn *websocket.Conn, code int, reason string) {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// track registers a live connection; it fails once Shutdown has started
func (h *WSHandler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *WSHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	if h.conns != nil {
		delete(h.conns, conn)
	}
	h.mu.Unlock()
	h.wg.Done()
}

// Shutdown stops reading from every live connection and waits until each has
// flushed its session and closed. Connections still open when ctx expires are
// closed forcibly.
func (h *WSHandler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.draining.Store(true)
	h.mu.Unlock()

	for conn := range conns {
		if err := conn.SetReadDeadline(time.Now()); err != nil {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for conn := range conns {
			conn.Close()
		}
		return fmt.Errorf("waiting for websocket sessions: %w", ctx.Err())
	}
}

// ActiveConnections returns the number of open websocket connections
func (h *WSHandler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
