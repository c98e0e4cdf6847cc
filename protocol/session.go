package protocol

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/boobalootoo/compals/domain"
)

// sessionState is the per-connection lifecycle position. Transitions only
// move forward: unjoined -> joined -> closed.
type sessionState int

const (
	stateUnjoined sessionState = iota
	stateJoined
	stateClosed
)

// Session gates which inbound messages are meaningful for one connection and
// owns registry cleanup when the connection goes away. Input that doesn't fit
// the current state is dropped without feedback: the connection stays open and
// no error reaches the client.
type Session struct {
	presence domain.Presence
	conn     domain.Connection

	mu    sync.Mutex
	state sessionState
	room  string
	name  string
}

func NewSession(p domain.Presence, conn domain.Connection) *Session {
	return &Session{presence: p, conn: conn}
}

// HandleMessage parses one inbound message and dispatches it according to the
// session state. Unparseable input, unknown types and messages arriving in the
// wrong state are all dropped silently.
func (s *Session) HandleMessage(data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		slog.Debug("dropping unparseable message", "clientId", s.conn.ID(), "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateUnjoined:
		if env.Type == domain.TypeJoin {
			s.handleJoin(env)
		}
	case stateJoined:
		switch env.Type {
		case domain.TypeJoin:
			s.handleRejoin(env)
		case domain.TypeUpdate:
			// The whole message, type tag included, is the member's state.
			if s.presence.Update(s.room, s.name, json.RawMessage(data)) {
				s.presence.Broadcast(s.room)
			}
		}
	case stateClosed:
	}
}

// handleJoin binds (room, name) to this connection. A join missing either
// field is dropped and the session stays unjoined. Caller holds s.mu.
func (s *Session) handleJoin(env domain.Envelope) {
	if env.Room == "" || env.Name == "" {
		slog.Debug("dropping malformed join", "clientId", s.conn.ID())
		return
	}
	s.room, s.name = env.Room, env.Name
	s.state = stateJoined
	s.presence.Join(s.room, s.name, s.conn)
}

// handleRejoin treats a second join as leave-old-room-then-join-new-room, so
// the earlier binding never outlives the session. Rejoining under the same
// (room, name) resets the member's state, same as any overwriting join.
// Caller holds s.mu.
func (s *Session) handleRejoin(env domain.Envelope) {
	if env.Room == "" || env.Name == "" {
		slog.Debug("dropping malformed join", "clientId", s.conn.ID())
		return
	}
	s.presence.Leave(s.room, s.name, s.conn)
	s.room, s.name = env.Room, env.Name
	s.presence.Join(s.room, s.name, s.conn)
}

// HandleClose runs disconnect cleanup. Safe to call more than once; only the
// first call after a join removes the member entry.
func (s *Session) HandleClose() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateJoined {
		s.presence.Leave(s.room, s.name, s.conn)
	}
	s.state = stateClosed
}
