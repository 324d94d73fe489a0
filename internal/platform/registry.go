// Package platform keeps track of users connected to this instance and
// exposes them to the enforcement engine.
package platform

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/udisondev/punishd/internal/enforcement"
)

// Registry manages all connected sessions.
// Provides registration, lookup and broadcast. Thread-safe for concurrent access.
type Registry struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	byName   map[string]*Session // key: lowercase name

	onLeave func(uuid.UUID)
	console func(msg string)
}

var _ enforcement.Platform = (*Registry)(nil)

// NewRegistry creates an empty registry. Broadcasts are also written to the
// log as the console.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[uuid.UUID]*Session, 256),
		byName:   make(map[string]*Session, 256),
		console: func(msg string) {
			slog.Info("broadcast", "msg", msg)
		},
	}
}

// OnLeave sets a callback invoked after a session is removed.
func (r *Registry) OnLeave(fn func(uuid.UUID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = fn
}

// SetConsole replaces the console sink for broadcasts.
func (r *Registry) SetConsole(fn func(msg string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.console = fn
}

// Register adds a session. A previous session of the same user is kicked.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	old := r.sessions[s.id]
	r.sessions[s.id] = s
	r.byName[strings.ToLower(s.name)] = s
	r.mu.Unlock()

	s.mu.Lock()
	s.registry = r
	s.mu.Unlock()

	if old != nil && old != s {
		old.mu.Lock()
		old.registry = nil
		old.mu.Unlock()
		old.Kick("Logged in from another location")
	}
}

// Unregister removes the session of the user, e.g. on a clean disconnect.
// Returns false if the user was not connected.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil {
		return false
	}
	return r.remove(s)
}

func (r *Registry) remove(s *Session) bool {
	r.mu.Lock()
	if r.sessions[s.id] != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.id)
	if r.byName[strings.ToLower(s.name)] == s {
		delete(r.byName, strings.ToLower(s.name))
	}
	onLeave := r.onLeave
	r.mu.Unlock()

	if onLeave != nil {
		onLeave(s.id)
	}
	return true
}

// Get returns the session of the user, or nil.
func (r *Registry) Get(id uuid.UUID) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// GetByName returns the session with the given name, case-insensitively, or nil.
func (r *Registry) GetByName(name string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[strings.ToLower(name)]
}

// Count returns the number of connected users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ForEach iterates over connected sessions. If fn returns false, iteration stops.
func (r *Registry) ForEach(fn func(*Session) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		if !fn(s) {
			return
		}
	}
}

// OnlineUsers returns a snapshot of connected users.
func (r *Registry) OnlineUsers() []enforcement.OnlineUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]enforcement.OnlineUser, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Broadcast sends msg to users holding perm and to the console.
func (r *Registry) Broadcast(msg, perm string) {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.HasPermission(perm) {
			targets = append(targets, s)
		}
	}
	console := r.console
	r.mu.RUnlock()

	for _, s := range targets {
		s.SendMessage(msg)
	}
	if console != nil {
		console(msg)
	}
}
