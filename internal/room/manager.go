// Package room manages two-party call sessions. A room pairs exactly two
// participants for the duration of one call; the manager owns the room table
// and a member index so the disconnect path can resolve a participant's room
// without scanning.
package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Room is the server-side record pairing exactly two participants.
type Room struct {
	ID        string
	MemberA   string
	MemberB   string
	CreatedAt time.Time
}

// Partner returns the other member's ID, or "" if the given participant is
// not a member of this room.
func (r *Room) Partner(participantID string) string {
	if participantID == r.MemberA {
		return r.MemberB
	}
	if participantID == r.MemberB {
		return r.MemberA
	}
	return ""
}

// IsMember reports whether the participant belongs to this room.
func (r *Room) IsMember(participantID string) bool {
	return participantID == r.MemberA || participantID == r.MemberB
}

// Manager creates and destroys rooms and answers partner lookups.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	byMember map[string]string // participant ID -> room ID
}

// NewManager creates an empty room table.
func NewManager() *Manager {
	return &Manager{
		rooms:    make(map[string]*Room),
		byMember: make(map[string]string),
	}
}

// Create allocates a room for two distinct participants and returns it.
func (m *Manager) Create(a, b string) (*Room, error) {
	if a == b {
		return nil, fmt.Errorf("room: cannot pair participant %s with itself", a)
	}

	r := &Room{
		ID:        uuid.New().String(),
		MemberA:   a,
		MemberB:   b,
		CreatedAt: time.Now(),
	}

	m.mu.Lock()
	m.rooms[r.ID] = r
	m.byMember[a] = r.ID
	m.byMember[b] = r.ID
	m.mu.Unlock()

	return r, nil
}

// Get returns the room with the given ID, or nil if it does not exist.
func (m *Manager) Get(roomID string) *Room {
	m.mu.RLock()
	r := m.rooms[roomID]
	m.mu.RUnlock()
	return r
}

// PartnerOf returns the other member of the room, or "" if the room does not
// exist or the participant is not a member.
func (m *Manager) PartnerOf(roomID, participantID string) string {
	m.mu.RLock()
	r := m.rooms[roomID]
	m.mu.RUnlock()
	if r == nil {
		return ""
	}
	return r.Partner(participantID)
}

// RoomOf returns the room the participant is currently a member of, or nil.
func (m *Manager) RoomOf(participantID string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byMember[participantID]
	if !ok {
		return nil
	}
	return m.rooms[id]
}

// Destroy removes the room and its member index entries. It is idempotent:
// destroying an absent room is a no-op. The caller is responsible for
// notifying members, since different triggers need different payloads.
func (m *Manager) Destroy(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	delete(m.rooms, roomID)

	// Only clear index entries still pointing at this room: a member may have
	// been re-paired into a new room if the caller races teardown with match.
	if m.byMember[r.MemberA] == roomID {
		delete(m.byMember, r.MemberA)
	}
	if m.byMember[r.MemberB] == roomID {
		delete(m.byMember, r.MemberB)
	}
	return true
}

// Count returns the number of live rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.rooms)
	m.mu.RUnlock()
	return n
}
