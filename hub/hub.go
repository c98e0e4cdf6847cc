package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/boobalootoo/compals/domain"
)

// member is one named participant in a room. state stays nil until the
// member's first update, which keeps it out of snapshots.
type member struct {
	conn  domain.Connection
	last  time.Time
	state json.RawMessage
}

type room struct {
	members map[string]*member
	mu      sync.RWMutex
}

// snapshot copies name -> state for every member with known state.
// Caller holds r.mu.
func (r *room) snapshot() map[string]json.RawMessage {
	users := make(map[string]json.RawMessage, len(r.members))
	for name, m := range r.members {
		if m.state != nil {
			users[name] = m.state
		}
	}
	return users
}

// Hub is the room directory: it owns room lifecycle, per-room membership and
// snapshot fan-out. Rooms exist only while they have at least one member.
//
// Lock order is always hub then room. Join and Leave hold the hub lock across
// the whole operation so the remove-room-when-empty check can never race a
// concurrent join to the same room. Update and Broadcast touch only the room
// lock, so traffic in distinct rooms proceeds in parallel.
type Hub struct {
	rooms map[string]*room
	mu    sync.RWMutex

	now func() time.Time
}

func New() *Hub {
	return &Hub{
		rooms: make(map[string]*room),
		now:   time.Now,
	}
}

// Join inserts or overwrites the member entry for name in the given room,
// creating the room on first join. The entry starts with no state and a fresh
// timestamp.
func (h *Hub) Join(roomID, name string, conn domain.Connection) {
	h.mu.Lock()
	r, exists := h.rooms[roomID]
	if !exists {
		r = &room{members: make(map[string]*member)}
		h.rooms[roomID] = r
	}
	r.mu.Lock()
	r.members[name] = &member{conn: conn, last: h.now()}
	count := len(r.members)
	r.mu.Unlock()
	h.mu.Unlock()

	slog.Info("member joined", "room", roomID, "name", name, "clientId", conn.ID(), "members", count)
}

// Leave removes the member entry iff it is still bound to conn; a stale close
// arriving after the name was rebound to another connection leaves the new
// entry alone. The room is dropped when its last member goes.
func (h *Hub) Leave(roomID, name string, conn domain.Connection) {
	h.mu.Lock()
	r, exists := h.rooms[roomID]
	if !exists {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	m, exists := r.members[name]
	if !exists || m.conn != conn {
		r.mu.Unlock()
		h.mu.Unlock()
		return
	}
	delete(r.members, name)
	count := len(r.members)
	r.mu.Unlock()
	if count == 0 {
		delete(h.rooms, roomID)
	}
	h.mu.Unlock()

	slog.Info("member left", "room", roomID, "name", name, "members", count)
	if count == 0 {
		slog.Info("room removed", "room", roomID)
	}
}

// Update overwrites the member's state and freshness timestamp. An update for
// an unknown room or member is ignored and reported as false.
func (h *Hub) Update(roomID, name string, state json.RawMessage) bool {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, exists := r.members[name]
	if !exists {
		return false
	}
	m.state = state
	m.last = h.now()
	return true
}

// Broadcast sends the room's current snapshot to every member of the room,
// sender included. Snapshot and sends happen under the room lock, so no
// membership change can interleave mid-fanout. A member whose connection
// cannot take the message is skipped for this cycle.
func (h *Hub) Broadcast(roomID string) {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	payload, err := json.Marshal(domain.UsersMessage{Type: domain.TypeUsers, Users: r.snapshot()})
	if err != nil {
		slog.Warn("snapshot marshal error", "room", roomID, "error", err)
		return
	}

	for name, m := range r.members {
		if err := m.conn.Send(payload); err != nil {
			slog.Debug("send skipped", "room", roomID, "name", name, "error", err)
		}
	}
}

// Snapshot returns name -> last update message for every member of the room
// with known state. Unknown rooms yield an empty map.
func (h *Hub) Snapshot(roomID string) map[string]json.RawMessage {
	h.mu.RLock()
	r, exists := h.rooms[roomID]
	h.mu.RUnlock()
	if !exists {
		return map[string]json.RawMessage{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot()
}

func (h *Hub) Stats() (rooms, members int) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.RLock()
		members += len(r.members)
		r.mu.RUnlock()
	}
	return rooms, members
}

// EvictIdle closes the connection of every member whose last update is older
// than the given age. Registry removal is not done here: closing the transport
// drives the normal cleanup path, so room lifecycle stays consistent. Returns
// the number of connections closed.
func (h *Hub) EvictIdle(olderThan time.Duration) int {
	cutoff := h.now().Add(-olderThan)

	type stale struct {
		room string
		name string
		conn domain.Connection
	}
	var victims []stale

	h.mu.RLock()
	for roomID, r := range h.rooms {
		r.mu.RLock()
		for name, m := range r.members {
			if m.last.Before(cutoff) {
				victims = append(victims, stale{room: roomID, name: name, conn: m.conn})
			}
		}
		r.mu.RUnlock()
	}
	h.mu.RUnlock()

	for _, v := range victims {
		slog.Info("evicting idle member", "room", v.room, "name", v.name)
		if err := v.conn.Close(); err != nil {
			slog.Debug("close error during eviction", "room", v.room, "name", v.name, "error", err)
		}
	}
	return len(victims)
}
