// Package signaling terminates the relay's WebSocket endpoint. Each accepted
// connection becomes a session that joins a room and exchanges opaque
// negotiation envelopes with the room's other members through the registry.
package signaling

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"signal-relay/internal/config"
	"signal-relay/internal/metrics"
	"signal-relay/internal/origin"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/room"
)

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	registry *room.Registry
	metrics  *metrics.Metrics

	upgrader websocket.Upgrader

	// clock drives per-connection rate limiters; nil means wall clock.
	clock ratelimit.Clock
}

func NewServer(cfg config.Config, logger *slog.Logger, registry *room.Registry, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		log:      logger,
		registry: registry,
		metrics:  m,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleSignal)
}

// handleSignal authenticates the request, upgrades it, and runs the session
// on the handler goroutine until the connection ends.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		s.metrics.Inc(metrics.AuthFailure)
		s.log.Warn("signaling auth failed", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := strings.TrimSpace(r.URL.Query().Get("room"))
	if roomID == "" {
		roomID = s.defaultRoomID()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error response.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	rate := int64(s.messagesPerSecond())
	limiter := ratelimit.NewTokenBucket(s.clock, rate, rate)

	sess := newSession(
		s.log, conn, s.registry, s.metrics,
		roomID, limiter,
		s.idleTimeout(), s.pingInterval(),
		s.maxMessageBytes(), s.sendQueueLength(),
	)
	sess.run()
}

// authorize checks the pre-upgrade credential. In api_key mode the key
// travels as a query parameter because browser WebSocket clients cannot set
// request headers.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthMode != config.AuthModeAPIKey {
		return true
	}
	key := r.URL.Query().Get("key")
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1
}

// checkOrigin admits requests without an Origin header (non-browser clients)
// and defers browser requests to the origin policy.
func (s *Server) checkOrigin(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" {
		return true
	}
	normalized, originHost, ok := origin.Normalize(header)
	if !ok {
		s.log.Warn("rejecting malformed origin", "origin", header, "remote", r.RemoteAddr)
		return false
	}
	if !origin.Allowed(normalized, originHost, r.Host, s.cfg.AllowedOrigins) {
		s.log.Warn("rejecting disallowed origin", "origin", normalized, "host", r.Host)
		return false
	}
	return true
}

func (s *Server) defaultRoomID() string {
	if s.cfg.DefaultRoomID != "" {
		return s.cfg.DefaultRoomID
	}
	return config.DefaultRoomID
}

func (s *Server) idleTimeout() time.Duration {
	if s.cfg.SignalingWSIdleTimeout > 0 {
		return s.cfg.SignalingWSIdleTimeout
	}
	return config.DefaultSignalingWSIdleTimeout
}

func (s *Server) pingInterval() time.Duration {
	if s.cfg.SignalingWSPingInterval > 0 {
		return s.cfg.SignalingWSPingInterval
	}
	return config.DefaultSignalingWSPingInterval
}

func (s *Server) maxMessageBytes() int64 {
	if s.cfg.MaxSignalingMessageBytes > 0 {
		return s.cfg.MaxSignalingMessageBytes
	}
	return config.DefaultMaxSignalingMessageBytes
}

func (s *Server) sendQueueLength() int {
	if s.cfg.SendQueueLength > 0 {
		return s.cfg.SendQueueLength
	}
	return config.DefaultSendQueueLength
}

func (s *Server) messagesPerSecond() int {
	if s.cfg.MaxSignalingMessagesPerSecond > 0 {
		return s.cfg.MaxSignalingMessagesPerSecond
	}
	return config.DefaultMaxSignalingMessagesPerSecond
}
