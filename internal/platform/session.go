package platform

import (
	"log/slog"
	"net/netip"
	"sync"

	"github.com/google/uuid"
)

// Conn is the transport of one connected user.
type Conn interface {
	Send(msg string) error
	Close(reason string) error
}

// Session is a connected user. Implements enforcement.OnlineUser.
type Session struct {
	id    uuid.UUID
	name  string
	addr  netip.Addr
	conn  Conn
	perms map[string]struct{}

	mu       sync.Mutex
	closed   bool
	registry *Registry
}

// NewSession creates a session for a user holding perms.
func NewSession(id uuid.UUID, name string, addr netip.Addr, conn Conn, perms ...string) *Session {
	set := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return &Session{
		id:    id,
		name:  name,
		addr:  addr.Unmap(),
		conn:  conn,
		perms: set,
	}
}

func (s *Session) UUID() uuid.UUID {
	return s.id
}

func (s *Session) Name() string {
	return s.name
}

func (s *Session) Address() netip.Addr {
	return s.addr
}

// HasPermission reports whether the user holds perm or the wildcard "*".
func (s *Session) HasPermission(perm string) bool {
	if _, ok := s.perms["*"]; ok {
		return true
	}
	_, ok := s.perms[perm]
	return ok
}

// SendMessage delivers msg unless the session is closed.
func (s *Session) SendMessage(msg string) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.conn.Send(msg); err != nil {
		slog.Warn("sending message", "uuid", s.id, "name", s.name, "err", err)
	}
}

// Kick closes the connection with msg and removes the session from its registry.
// Only the first call has an effect.
func (s *Session) Kick(msg string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	registry := s.registry
	s.mu.Unlock()

	if err := s.conn.Close(msg); err != nil {
		slog.Warn("closing connection", "uuid", s.id, "name", s.name, "err", err)
	}
	if registry != nil {
		registry.remove(s)
	}
	slog.Info("user kicked", "uuid", s.id, "name", s.name)
}

// Closed reports whether the session was kicked.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RecordingConn keeps everything sent through it. Used by the console and tests.
type RecordingConn struct {
	mu       sync.Mutex
	messages []string
	reason   string
	closed   bool
}

func (c *RecordingConn) Send(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *RecordingConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.reason = reason
	return nil
}

// Messages returns the messages sent so far.
func (c *RecordingConn) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.messages...)
}

// Closed returns the close reason and whether the connection was closed.
func (c *RecordingConn) Closed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.closed
}
