package signaling

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"signal-relay/internal/config"
)

// A client that answers pings (gorilla's default ping handler) must outlive
// the idle timeout without sending any application messages.
func TestServer_PingsKeepIdleConnectionAlive(t *testing.T) {
	ts, _, _ := newTestServer(t, config.Config{
		SignalingWSIdleTimeout:  600 * time.Millisecond,
		SignalingWSPingInterval: 200 * time.Millisecond,
	})

	conn := dial(t, ts, "room=r1")
	readMessage(t, conn)

	// Keep reading so the client's ping handler can respond; after well past
	// the idle timeout the connection must still be open.
	_ = conn.SetReadDeadline(time.Now().Add(1500 * time.Millisecond))
	_, _, err := conn.ReadMessage()
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("read err=%v, want client-side deadline timeout (connection closed early?)", err)
	}
}

// A client that swallows pings must be closed at the idle timeout with a
// normal closure.
func TestServer_IdleConnectionTimesOut(t *testing.T) {
	ts, registry, _ := newTestServer(t, config.Config{
		SignalingWSIdleTimeout:  500 * time.Millisecond,
		SignalingWSPingInterval: 150 * time.Millisecond,
	})

	conn := dial(t, ts, "room=r1")
	readMessage(t, conn)
	conn.SetPingHandler(func(string) error { return nil })

	start := time.Now()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("read err=%v, want close %d", err, websocket.CloseNormalClosure)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("connection closed after %v, want around the 500ms idle timeout", elapsed)
	}

	waitFor(t, "idle session's leave to land", func() bool {
		return registry.MemberCount("r1") == 0
	})
}
