// Package signaling pairs the two endpoints of an order inside a room and
// relays their negotiation payloads without inspecting them.
package signaling

import (
	"errors"
	"sync"
)

// RoomState follows a room from its first occupant to teardown.
type RoomState int

const (
	// RoomOneSession: the first endpoint joined, waiting for its peer.
	RoomOneSession RoomState = iota
	// RoomTwoSession: both endpoints present, relay active.
	RoomTwoSession
	// RoomCloseWait: the room emptied and its registry entry is being
	// released.
	RoomCloseWait
)

func (s RoomState) String() string {
	switch s {
	case RoomOneSession:
		return "one_session"
	case RoomTwoSession:
		return "two_session"
	case RoomCloseWait:
		return "close_wait"
	}
	return "unknown"
}

var (
	// ErrRoomFull means the room already holds two sessions or is
	// draining.
	ErrRoomFull = errors.New("signaling: room not accepting sessions")
	// ErrDuplicateSession means the session identifier is already
	// present in the room.
	ErrDuplicateSession = errors.New("signaling: session already in room")
)

type member struct {
	sessionID string
	connID    uint64
}

type room struct {
	id      string
	state   RoomState
	members []member
}

// Registry tracks signaling rooms and the connection occupying each seat.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*room
	byConn map[uint64]*room
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*room),
		byConn: make(map[uint64]*room),
	}
}

// Join seats connID in roomID under sessionID. The first join creates the
// room, the second pairs it. A third session or a duplicate session
// identifier is rejected.
func (r *Registry) Join(roomID, sessionID string, connID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{
			id:      roomID,
			state:   RoomOneSession,
			members: []member{{sessionID: sessionID, connID: connID}},
		}
		r.rooms[roomID] = rm
		r.byConn[connID] = rm
		return nil
	}
	if rm.state != RoomOneSession {
		return ErrRoomFull
	}
	for _, m := range rm.members {
		if m.sessionID == sessionID {
			return ErrDuplicateSession
		}
	}
	rm.members = append(rm.members, member{sessionID: sessionID, connID: connID})
	rm.state = RoomTwoSession
	r.byConn[connID] = rm
	return nil
}

// Leave removes connID from its room. A paired room that drops to one
// occupant goes back to OneSession so the departed peer can rejoin; the
// room is released once its last occupant leaves. Reports the room the
// connection was in, if any.
func (r *Registry) Leave(connID uint64) (roomID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	for i, m := range rm.members {
		if m.connID == connID {
			rm.members = append(rm.members[:i], rm.members[i+1:]...)
			break
		}
	}
	if len(rm.members) == 0 {
		rm.state = RoomCloseWait
		delete(r.rooms, rm.id)
	} else {
		rm.state = RoomOneSession
	}
	return rm.id, true
}

// Peer returns the connection seated opposite connID in its room.
func (r *Registry) Peer(connID uint64) (peerConnID uint64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	for _, m := range rm.members {
		if m.connID != connID {
			return m.connID, true
		}
	}
	return 0, false
}

// RoomState reports the state of roomID for the statistics surface.
func (r *Registry) RoomState(roomID string) (RoomState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return 0, false
	}
	return rm.state, true
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}
