// internal/room/store.go
package room

import (
	"sync"
)

// RoomStore manages all active rooms in memory, keyed by canonical room code.
// It provides thread-safe access to create, retrieve, and delete rooms; the
// per-room mutex inside each GameRoom serializes everything else, so
// operations on one room never block another.
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]*GameRoom
}

// NewRoomStore initializes and returns an empty RoomStore.
func NewRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[string]*GameRoom),
	}
}

// GetOrCreate returns the room for code, creating it with settings if absent.
// The first caller for a code wins; concurrent creators observe exactly one
// resulting room.
func (s *RoomStore) GetOrCreate(code string, settings Settings) *GameRoom {
	code = CanonicalCode(code)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.rooms[code]
	if !ok {
		g = NewGameRoom(code, settings)
		s.rooms[code] = g
	}
	return g
}

// Get retrieves a room by code.
func (s *RoomStore) Get(code string) (*GameRoom, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.rooms[CanonicalCode(code)]
	return g, ok
}

// Delete removes a room from the store and marks it removed so any handler
// still holding the pointer self-terminates. Reports whether the room existed.
func (s *RoomStore) Delete(code string) bool {
	code = CanonicalCode(code)
	s.mu.Lock()
	g, ok := s.rooms[code]
	if ok {
		delete(s.rooms, code)
	}
	s.mu.Unlock()
	if ok {
		g.MarkRemoved()
	}
	return ok
}

// All returns a snapshot slice of the active rooms, for status listings and
// the janitor sweep.
func (s *RoomStore) All() []*GameRoom {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]*GameRoom, 0, len(s.rooms))
	for _, g := range s.rooms {
		rooms = append(rooms, g)
	}
	return rooms
}

// Count returns the number of active rooms.
func (s *RoomStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}
