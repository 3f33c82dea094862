// Package hub is the connection registry: it maps live connections to
// participants, participants to their one room, and fans server frames
// out to a room's occupants.
package hub

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/wire"
)

// Conn is one live, already-upgraded connection. Send must not block
// indefinitely: implementations queue the frame and fail fast when the
// peer cannot keep up.
type Conn interface {
	Send(ctx context.Context, msg *wire.Outbound) error
	Close() error
}

// Participant is an authenticated player for the lifetime of one
// connection. Identity (ID) outlives it; ConnID does not.
type Participant struct {
	ID     string
	ConnID string
	Name   string
	Guest  bool

	conn Conn
}

func NewParticipant(id, name string, guest bool, conn Conn) *Participant {
	return &Participant{
		ID:     id,
		ConnID: uuid.NewString(),
		Name:   name,
		Guest:  guest,
		conn:   conn,
	}
}

// Send delivers one frame to this participant. Errors are returned, not
// fatal; the caller decides whether to log or drop.
func (p *Participant) Send(ctx context.Context, msg *wire.Outbound) error {
	if p == nil || p.conn == nil {
		return nil
	}
	return p.conn.Send(ctx, msg)
}

// Registry holds the room bindings. All mutation is in-memory map work
// under one mutex; the only I/O is the send on each bound connection,
// done outside the lock.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string][]*Participant // room id → occupants
	userRoom map[string]string         // participant id → room id
	conns    map[string]*Participant   // connection id → participant
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string][]*Participant),
		userRoom: make(map[string]string),
		conns:    make(map[string]*Participant),
	}
}

// Bind records the participant as an occupant of roomID. A participant
// holds at most one binding; binding to a different room evicts the
// participant from the old one so a later teardown of that room cannot
// clobber the new binding.
func (r *Registry) Bind(p *Participant, roomID string) {
	if p == nil || roomID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.userRoom[p.ID]; ok && old != roomID {
		r.evictLocked(old, p.ID)
	}
	occupants := r.rooms[roomID]
	for _, o := range occupants {
		if o.ConnID == p.ConnID {
			return
		}
	}
	r.rooms[roomID] = append(occupants, p)
	r.userRoom[p.ID] = roomID
	r.conns[p.ConnID] = p
}

// evictLocked removes every occupant with userID from roomID, deleting
// the room entry when it empties. Caller holds mu.
func (r *Registry) evictLocked(roomID, userID string) {
	remaining := r.rooms[roomID][:0]
	for _, o := range r.rooms[roomID] {
		if o.ID != userID {
			remaining = append(remaining, o)
		}
	}
	if len(remaining) == 0 {
		delete(r.rooms, roomID)
	} else {
		r.rooms[roomID] = remaining
	}
}

// RoomOf returns the room the participant id is currently bound to.
func (r *Registry) RoomOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.userRoom[userID]
	return room, ok
}

// Broadcast delivers msg to every occupant of roomID. An empty room is
// not an error: the peer may have just disconnected. A failed send to
// one occupant never blocks delivery to the others.
func (r *Registry) Broadcast(ctx context.Context, roomID string, msg *wire.Outbound) {
	r.mu.RLock()
	occupants := append([]*Participant(nil), r.rooms[roomID]...)
	r.mu.RUnlock()

	if len(occupants) == 0 {
		obslog.L().Debug("broadcast_empty_room", zap.String("room_id", roomID), zap.String("type", string(msg.Type)))
		return
	}
	for _, p := range occupants {
		if err := p.Send(ctx, msg); err != nil {
			obslog.L().Warn("broadcast_send_error",
				zap.String("room_id", roomID),
				zap.String("user_id", p.ID),
				zap.Error(err),
			)
		}
	}
}

// Unbind removes the participant owning connID from its room, deleting
// the room entry when it empties. Unknown connection ids are a benign
// no-op so duplicate disconnect events never fail.
func (r *Registry) Unbind(connID string) (*Participant, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.conns[connID]
	if !ok {
		return nil, ""
	}
	delete(r.conns, connID)

	roomID, ok := r.userRoom[p.ID]
	if !ok {
		return p, ""
	}
	delete(r.userRoom, p.ID)

	remaining := r.rooms[roomID][:0]
	for _, o := range r.rooms[roomID] {
		if o.ConnID != connID {
			remaining = append(remaining, o)
		}
	}
	if len(remaining) == 0 {
		delete(r.rooms, roomID)
	} else {
		r.rooms[roomID] = remaining
	}
	return p, roomID
}

// DropRoom removes every binding for roomID, used on session teardown.
func (r *Registry) DropRoom(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.rooms[roomID] {
		if r.userRoom[o.ID] == roomID {
			delete(r.userRoom, o.ID)
		}
		delete(r.conns, o.ConnID)
	}
	delete(r.rooms, roomID)
}

// Occupants returns a copy of the room's current occupants.
func (r *Registry) Occupants(roomID string) []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Participant(nil), r.rooms[roomID]...)
}
