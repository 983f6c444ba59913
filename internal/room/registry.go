// Package room tracks which connections belong to which room and relays
// opaque payloads between a room's members.
//
// The registry is the only shared mutable state in the relay. It never owns
// a member's connection: members are registered and deregistered by their
// sessions, and a failed delivery demotes the member to "implicitly left"
// rather than surfacing an error to the sender.
package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"signal-relay/internal/metrics"
)

var (
	// ErrRoomFull is returned by Join when the per-room member cap is reached.
	ErrRoomFull = errors.New("room is full")

	// ErrAlreadyJoined is returned by Join for a member that is already
	// registered. A member joins exactly one room for its lifetime.
	ErrAlreadyJoined = errors.New("member already joined a room")
)

// Member is one connection's delivery endpoint.
//
// Deliver queues payload for the member's connection and must not block; it
// returns an error when the member can no longer accept messages (closed
// connection or overflowing send queue), which the registry treats as an
// implicit leave.
type Member interface {
	Deliver(payload []byte) error
}

type notification struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

func joinedPayload(count int) []byte {
	b, _ := json.Marshal(notification{Type: "joined", Count: count})
	return b
}

func peersPayload(count int) []byte {
	b, _ := json.Marshal(notification{Type: "peers", Count: count})
	return b
}

// Registry is the process-wide room membership authority.
//
// Join/Leave take the write lock; Broadcast takes the read lock and fans out
// from a snapshot, so relaying never blocks membership changes in other
// rooms for longer than a map lookup. Deliveries are non-blocking queue
// handoffs, never transport writes, so no lock is held across I/O.
type Registry struct {
	log     *slog.Logger
	metrics *metrics.Metrics

	// maxMembers caps a single room's size. <= 0 means unlimited.
	maxMembers int

	mu       sync.RWMutex
	rooms    map[string]map[Member]struct{}
	byMember map[Member]string
}

func NewRegistry(logger *slog.Logger, m *metrics.Metrics, maxMembers int) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:        logger,
		metrics:    m,
		maxMembers: maxMembers,
		rooms:      make(map[string]map[Member]struct{}),
		byMember:   make(map[Member]string),
	}
}

// Join adds m to roomID, creating the room on first join, and returns the
// room's size including m.
//
// The new member is sent a "joined" notification and every existing member a
// "peers" notification carrying the updated count before Join returns. Both
// are delivered under the registry lock, so concurrent joins to the same
// room can never be observed with out-of-order counts and a member's very
// first delivery is always its own "joined".
func (r *Registry) Join(roomID string, m Member) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byMember[m]; ok {
		return 0, ErrAlreadyJoined
	}

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[Member]struct{})
		r.rooms[roomID] = members
		r.metrics.Inc(metrics.RoomCreated)
		r.log.Debug("room created", "room", roomID)
	}

	if r.maxMembers > 0 && len(members) >= r.maxMembers {
		r.metrics.Inc(metrics.DropReasonRoomFull)
		return 0, ErrRoomFull
	}

	members[m] = struct{}{}
	r.byMember[m] = roomID
	count := len(members)
	r.metrics.Inc(metrics.MemberJoined)

	if err := m.Deliver(joinedPayload(count)); err != nil {
		r.metrics.Inc(metrics.DeliveryFailure)
		r.removeLocked(m)
		return 0, fmt.Errorf("deliver joined notification: %w", err)
	}

	payload := peersPayload(count)
	var failed []Member
	for peer := range members {
		if peer == m {
			continue
		}
		if err := peer.Deliver(payload); err != nil {
			failed = append(failed, peer)
			r.log.Warn("peers notification failed, dropping member", "room", roomID, "err", err)
		}
	}
	for _, peer := range failed {
		r.metrics.Inc(metrics.DeliveryFailure)
		r.removeLocked(peer)
	}

	return count, nil
}

// Leave removes m from its room. It is idempotent: leaving twice, or leaving
// a member that never joined, is a no-op.
func (r *Registry) Leave(m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(m)
}

// removeLocked deletes m from its room, deleting the room when its member
// set becomes empty. Callers hold r.mu for writing.
func (r *Registry) removeLocked(m Member) {
	roomID, ok := r.byMember[m]
	if !ok {
		return
	}
	delete(r.byMember, m)

	members := r.rooms[roomID]
	delete(members, m)
	r.metrics.Inc(metrics.MemberLeft)
	if len(members) == 0 {
		delete(r.rooms, roomID)
		r.metrics.Inc(metrics.RoomDestroyed)
		r.log.Debug("room destroyed", "room", roomID)
	}
}

// Broadcast delivers payload verbatim to every current member of roomID
// except sender.
//
// Deliveries are independent: a failed delivery is logged, counted, and
// treated as an implicit leave of that member; it never affects the other
// recipients and never surfaces to the caller.
func (r *Registry) Broadcast(roomID string, sender Member, payload []byte) {
	r.mu.RLock()
	members := r.rooms[roomID]
	recipients := make([]Member, 0, len(members))
	for peer := range members {
		if peer != sender {
			recipients = append(recipients, peer)
		}
	}
	r.mu.RUnlock()

	r.metrics.Inc(metrics.MessageRelayed)
	r.metrics.Add(metrics.RelayedBytes, uint64(len(payload)))

	for _, peer := range recipients {
		if err := peer.Deliver(payload); err != nil {
			r.metrics.Inc(metrics.DeliveryFailure)
			r.log.Warn("relay delivery failed, dropping member", "room", roomID, "err", err)
			r.Leave(peer)
		}
	}
}

// MemberCount returns the current size of roomID; 0 when the room does not
// exist.
func (r *Registry) MemberCount(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
