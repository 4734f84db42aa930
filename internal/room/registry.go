// Package room tracks which live connections are in which session room.
// It holds no I/O and is safe for concurrent use; unknown connections are no-ops.
package room

import (
	"sync"

	"github.com/google/uuid"
)

type set map[string]struct{}

// Registry maps session ids to member connection ids, and connection ids back to
// their session and bound attendee.
type Registry struct {
	mu         sync.RWMutex
	rooms      map[uuid.UUID]set
	sessionOf  map[string]uuid.UUID
	attendeeOf map[string]uuid.UUID
	connOf     map[uuid.UUID]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:      make(map[uuid.UUID]set),
		sessionOf:  make(map[string]uuid.UUID),
		attendeeOf: make(map[string]uuid.UUID),
		connOf:     make(map[uuid.UUID]string),
	}
}

// Join adds connID to the session's room, creating the room if absent. It reports
// whether this call created the room. A connection is in at most one room, so a
// connection already in another room is moved.
func (r *Registry) Join(sessionID uuid.UUID, connID string) (created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.sessionOf[connID]; ok && prev != sessionID {
		r.removeLocked(prev, connID)
	}
	members, ok := r.rooms[sessionID]
	if !ok {
		members = make(set)
		r.rooms[sessionID] = members
		created = true
	}
	members[connID] = struct{}{}
	r.sessionOf[connID] = sessionID
	return created
}

// Leave removes connID from the session's room and reports whether the room was
// released because it became empty.
func (r *Registry) Leave(sessionID uuid.UUID, connID string) (released bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessionOf[connID]; !ok || cur != sessionID {
		return false
	}
	return r.removeLocked(sessionID, connID)
}

func (r *Registry) removeLocked(sessionID uuid.UUID, connID string) bool {
	delete(r.sessionOf, connID)
	members, ok := r.rooms[sessionID]
	if !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, sessionID)
		return true
	}
	return false
}

// BindAttendee associates attendeeID with connID. If the attendee was bound to a
// different connection, that binding is cleared and the old connection id is returned.
func (r *Registry) BindAttendee(connID string, attendeeID uuid.UUID) (superseded string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, bound := r.connOf[attendeeID]; bound && old != connID {
		delete(r.attendeeOf, old)
		superseded, ok = old, true
	}
	if prev, bound := r.attendeeOf[connID]; bound && prev != attendeeID {
		delete(r.connOf, prev)
	}
	r.attendeeOf[connID] = attendeeID
	r.connOf[attendeeID] = connID
	return superseded, ok
}

// Unbind clears the attendee identity of connID and returns it.
func (r *Registry) Unbind(connID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.attendeeOf[connID]
	if !ok {
		return uuid.Nil, false
	}
	delete(r.attendeeOf, connID)
	if r.connOf[id] == connID {
		delete(r.connOf, id)
	}
	return id, true
}

// SessionOf returns the session connID is in.
func (r *Registry) SessionOf(connID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessionOf[connID]
	return id, ok
}

// AttendeeOf returns the attendee bound to connID.
func (r *Registry) AttendeeOf(connID string) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.attendeeOf[connID]
	return id, ok
}

// ConnectionOf returns the connection an attendee is currently bound to.
func (r *Registry) ConnectionOf(attendeeID uuid.UUID) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connOf[attendeeID]
	return c, ok
}

// MembersOf returns a copy of the room's member connection ids.
func (r *Registry) MembersOf(sessionID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[sessionID]
	out := make([]string, 0, len(members))
	for c := range members {
		out = append(out, c)
	}
	return out
}

// SizeOf returns the number of connections in the room.
func (r *Registry) SizeOf(sessionID uuid.UUID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[sessionID])
}

// InSameRoom reports whether both connections are members of the same room.
func (r *Registry) InSameRoom(a, b string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sa, okA := r.sessionOf[a]
	sb, okB := r.sessionOf[b]
	return okA && okB && sa == sb
}

// Stats returns the number of live rooms and member connections.
func (r *Registry) Stats() (rooms, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.sessionOf)
}
