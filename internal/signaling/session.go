package signaling

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"signal-relay/internal/metrics"
	"signal-relay/internal/ratelimit"
	"signal-relay/internal/room"
)

const wsWriteWait = 1 * time.Second

// Session states. The machine only moves forward; stateClosed is terminal.
const (
	stateConnecting int32 = iota
	stateJoined
	stateRelaying
	stateClosed
)

var (
	// ErrSessionClosed is returned by Deliver after the session reached its
	// terminal state.
	ErrSessionClosed = errors.New("session closed")

	// ErrSendQueueFull is returned by Deliver when the member's outbound
	// queue is saturated. The registry treats it as an implicit leave.
	ErrSendQueueFull = errors.New("send queue full")
)

// session is the per-connection state machine: it registers with the room
// registry, relays inbound envelopes, and writes registry-originated
// deliveries back out. One reader goroutine and one writer goroutine per
// connection; the registry is the only thing they share with other sessions.
type session struct {
	log      *slog.Logger
	conn     *websocket.Conn
	registry *room.Registry
	metrics  *metrics.Metrics

	roomID  string
	limiter *ratelimit.TokenBucket

	idleTimeout     time.Duration
	pingInterval    time.Duration
	maxMessageBytes int64

	state     atomic.Int32
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(logger *slog.Logger, conn *websocket.Conn, registry *room.Registry, m *metrics.Metrics, roomID string, limiter *ratelimit.TokenBucket, idleTimeout, pingInterval time.Duration, maxMessageBytes int64, sendQueueLength int) *session {
	s := &session{
		log:      logger,
		conn:     conn,
		registry: registry,
		metrics:  m,

		roomID:  roomID,
		limiter: limiter,

		idleTimeout:     idleTimeout,
		pingInterval:    pingInterval,
		maxMessageBytes: maxMessageBytes,

		send: make(chan []byte, sendQueueLength),
		done: make(chan struct{}),
	}
	s.state.Store(stateConnecting)
	return s
}

// Deliver queues payload for the connection without blocking. It implements
// room.Member.
func (s *session) Deliver(payload []byte) error {
	if s.state.Load() == stateClosed {
		return ErrSessionClosed
	}
	select {
	case s.send <- payload:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrSendQueueFull
	}
}

// run drives the session to completion. It returns when the connection is
// closed by either side, after the single Leave has happened.
func (s *session) run() {
	defer s.close()

	go s.writeLoop()

	count, err := s.registry.Join(s.roomID, s)
	if err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			s.log.Info("join rejected, room full", "room", s.roomID)
			s.closeWith(websocket.CloseTryAgainLater, "room full")
			return
		}
		s.log.Error("join failed", "room", s.roomID, "err", err)
		s.closeWith(websocket.CloseInternalServerErr, "join failed")
		return
	}
	// The registry has already queued the joined notification for this
	// session before Join returned.
	s.state.Store(stateJoined)
	s.log.Info("session joined", "room", s.roomID, "count", count)
	s.state.Store(stateRelaying)

	s.readLoop()
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(s.maxMessageBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				s.log.Info("session idle timeout", "room", s.roomID)
				s.closeWith(websocket.CloseNormalClosure, "idle timeout")
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read failed", "room", s.roomID, "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout))

		if s.limiter != nil && !s.limiter.Allow(1) {
			s.metrics.Inc(metrics.DropReasonRateLimited)
			s.log.Warn("session rate limited", "room", s.roomID)
			s.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		// Ill-formed input is dropped, never fatal: binary frames and
		// anything that does not parse as an envelope.
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.ParseFailure)
			continue
		}
		if _, err := ParseEnvelope(data); err != nil {
			s.metrics.Inc(metrics.ParseFailure)
			s.log.Debug("dropping malformed envelope", "room", s.roomID, "err", err)
			continue
		}

		s.registry.Broadcast(s.roomID, s, data)
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug("write failed", "room", s.roomID, "err", err)
				s.close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.log.Debug("ping failed", "room", s.roomID, "err", err)
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

// closeWith sends a close frame before tearing the session down.
func (s *session) closeWith(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
	s.close()
}

// close enters the terminal state: the registry Leave runs exactly once, the
// writer is stopped, and the transport is closed. Safe to call from any
// goroutine, any number of times.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.state.Store(stateClosed)
		close(s.done)
		s.registry.Leave(s)
		_ = s.conn.Close()
		s.log.Info("session closed", "room", s.roomID)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
