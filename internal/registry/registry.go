// Package registry tracks every live participant: its identifier, the
// connection handle used to deliver events to it, its declared interests, and
// its lifecycle state. All state is process-local and lives only for the
// lifetime of the connection.
package registry

import "sync"

// Participant lifecycle states. A participant is in at most one of waiting or
// in_room at any instant, and idle otherwise.
const (
	StateIdle    = "idle"
	StateWaiting = "waiting"
	StateInRoom  = "in_room"
)

// Conn is the write side of a participant's transport. The registry never
// reads from it; it only hands it out so other components can deliver events.
type Conn interface {
	WriteMessage(data []byte) error
}

// Participant is a registered connection with its declared interests and
// lifecycle state. The registry owns these records; other components hold the
// participant ID only.
type Participant struct {
	ID        string
	Conn      Conn
	Interests []string
	State     string
}

// Registry is the authoritative map of live participants.
type Registry struct {
	mu           sync.RWMutex
	participants map[string]*Participant
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		participants: make(map[string]*Participant),
	}
}

// Register stores a participant record with idle state. Interests may be nil;
// a nil set is kept as-is and treated as empty everywhere.
func (r *Registry) Register(id string, conn Conn, interests []string) {
	r.mu.Lock()
	r.participants[id] = &Participant{
		ID:        id,
		Conn:      conn,
		Interests: interests,
		State:     StateIdle,
	}
	r.mu.Unlock()
}

// Lookup returns the participant record for id, or nil if not registered.
func (r *Registry) Lookup(id string) *Participant {
	r.mu.RLock()
	p := r.participants[id]
	r.mu.RUnlock()
	return p
}

// SetInterests replaces the declared interest set of a registered
// participant. It is a no-op for unknown ids.
func (r *Registry) SetInterests(id string, interests []string) {
	r.mu.Lock()
	if p, ok := r.participants[id]; ok {
		p.Interests = interests
	}
	r.mu.Unlock()
}

// SetState updates the lifecycle state of a registered participant. It is a
// no-op for unknown ids.
func (r *Registry) SetState(id string, state string) {
	r.mu.Lock()
	if p, ok := r.participants[id]; ok {
		p.State = state
	}
	r.mu.Unlock()
}

// Remove erases a participant record. Removing an absent id is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.participants, id)
	r.mu.Unlock()
}

// Count returns the number of registered participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.participants)
	r.mu.RUnlock()
	return n
}
