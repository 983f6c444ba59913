package metrics

import "sync"

// Event names used across the relay. Kept as plain strings so the counter
// registry stays a dumb map; the /metrics handler exposes them via an
// `event` label.
const (
	RoomCreated   = "room_created"
	RoomDestroyed = "room_destroyed"
	MemberJoined  = "member_joined"
	MemberLeft    = "member_left"

	MessageRelayed  = "message_relayed"
	RelayedBytes    = "relayed_bytes"
	ParseFailure    = "parse_failure"
	DeliveryFailure = "delivery_failure"

	DropReasonRateLimited = "rate_limited"
	DropReasonRoomFull    = "room_full"
	AuthFailure           = "auth_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
