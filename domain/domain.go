package domain

import "encoding/json"

// Wire message type tags.
const (
	TypeJoin   = "join"
	TypeUpdate = "update"
	TypeUsers  = "users"
)

// Envelope carries the fields of an inbound message that the relay itself
// inspects. Update payloads are otherwise opaque: the full raw message is
// stored verbatim and echoed back inside snapshots.
type Envelope struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Name string `json:"name"`
}

// UsersMessage is the per-room snapshot broadcast to every member after an
// accepted update. Users maps display name to that member's last update
// message; members that have never sent an update are absent.
type UsersMessage struct {
	Type  string                     `json:"type"`
	Users map[string]json.RawMessage `json:"users"`
}

// Connection is one bidirectional message stream to a client. Send is
// best-effort: a full buffer or closed peer yields an error the caller may
// skip past, never a panic or a block.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

// Presence owns room membership and fan-out. Operations on a single room are
// serialized with respect to each other; distinct rooms proceed in parallel.
type Presence interface {
	// Join inserts or overwrites the member entry for name in room, bound to
	// conn, with no state yet.
	Join(room, name string, conn Connection)
	// Leave removes the member entry iff it is still bound to conn, and drops
	// the room once its last member is gone.
	Leave(room, name string, conn Connection)
	// Update overwrites the member's state and freshness timestamp. Returns
	// false if the member is unknown, in which case nothing changes.
	Update(room, name string, state json.RawMessage) bool
	// Broadcast sends the room's current snapshot to every member of the room.
	Broadcast(room string)
	Stats() (rooms, members int)
}

// Session consumes one connection's inbound events.
type Session interface {
	HandleMessage(data []byte)
	HandleClose()
}
