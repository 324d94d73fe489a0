package console

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/udisondev/punishd/internal/enforcement"
	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/platform"
)

// Gate is the connection and chat check of this instance. Implemented by enforcement.Enforcer.
type Gate interface {
	ExecuteAndCheckConnection(ctx context.Context, id uuid.UUID, name string, addr netip.Addr) (*model.Punishment, error)
	DenyMessage(ban *model.Punishment) string
	CheckChat(ctx context.Context, u enforcement.OnlineUser) (*model.Punishment, error)
	CheckCommand(ctx context.Context, u enforcement.OnlineUser, command string) (*model.Punishment, error)
}

// Sessions is the registry of users connected through the console.
type Sessions interface {
	Register(s *platform.Session)
	Unregister(id uuid.UUID) bool
	GetByName(name string) *platform.Session
	ForEach(fn func(*platform.Session) bool)
	Count() int
}

// registerSession adds the commands that connect simulated users to this
// instance, used to exercise enforcement without a game server.
func registerSession(h *Handler, d Deps) {
	h.Register(&login{gate: d.Gate, sessions: d.Sessions})
	h.Register(&logout{sessions: d.Sessions})
	h.Register(&chat{gate: d.Gate, sessions: d.Sessions})
	h.Register(&online{sessions: d.Sessions})
}

// consoleConn prints what a simulated user receives to the console.
type consoleConn struct {
	name   string
	sender Sender
}

func (c consoleConn) Send(msg string) error {
	c.sender.SendMessage(fmt.Sprintf("[to %s] %s", c.name, msg))
	return nil
}

func (c consoleConn) Close(reason string) error {
	c.sender.SendMessage(fmt.Sprintf("[%s disconnected] %s", c.name, reason))
	return nil
}

// login <name> <uuid> <ip> [perm...]
type login struct {
	gate     Gate
	sessions Sessions
}

func (c *login) Names() []string {
	return []string{"login", "join"}
}

func (c *login) Handle(ctx context.Context, sender Sender, args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: login <name> <uuid> <ip> [permission...]")
	}
	name := args[1]
	id, err := uuid.Parse(args[2])
	if err != nil {
		return fmt.Errorf("invalid uuid %q", args[2])
	}
	addr, err := netip.ParseAddr(args[3])
	if err != nil {
		return fmt.Errorf("invalid address %q", args[3])
	}

	ban, err := c.gate.ExecuteAndCheckConnection(ctx, id, name, addr)
	if err != nil {
		return err
	}
	if ban != nil {
		sender.SendMessage(fmt.Sprintf("%s was refused: %s", name, c.gate.DenyMessage(ban)))
		return nil
	}
	conn := consoleConn{name: name, sender: sender}
	c.sessions.Register(platform.NewSession(id, name, addr, conn, args[4:]...))
	sender.SendMessage(name + " connected")
	return nil
}

// logout <name>
type logout struct {
	sessions Sessions
}

func (c *logout) Names() []string {
	return []string{"logout", "leave"}
}

func (c *logout) Handle(_ context.Context, sender Sender, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: logout <name>")
	}
	s := c.sessions.GetByName(args[1])
	if s == nil || !c.sessions.Unregister(s.UUID()) {
		return fmt.Errorf("%s is not connected", args[1])
	}
	sender.SendMessage(s.Name() + " disconnected")
	return nil
}

// chat <name> <message...> sends a chat line or, when it starts with "/", a command.
type chat struct {
	gate     Gate
	sessions Sessions
}

func (c *chat) Names() []string {
	return []string{"chat", "say"}
}

func (c *chat) Handle(ctx context.Context, sender Sender, args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: chat <name> <message...>")
	}
	s := c.sessions.GetByName(args[1])
	if s == nil {
		return fmt.Errorf("%s is not connected", args[1])
	}
	text := strings.Join(args[2:], " ")

	var (
		mute *model.Punishment
		err  error
	)
	if strings.HasPrefix(text, "/") {
		mute, err = c.gate.CheckCommand(ctx, s, text)
	} else {
		mute, err = c.gate.CheckChat(ctx, s)
	}
	if err != nil {
		return err
	}
	if mute != nil {
		sender.SendMessage(fmt.Sprintf("%s is muted (#%d), message dropped", s.Name(), mute.ID))
		return nil
	}
	sender.SendMessage(fmt.Sprintf("<%s> %s", s.Name(), text))
	return nil
}

// online lists the connected users.
type online struct {
	sessions Sessions
}

func (c *online) Names() []string {
	return []string{"online", "list"}
}

func (c *online) Handle(_ context.Context, sender Sender, _ []string) error {
	var names []string
	c.sessions.ForEach(func(s *platform.Session) bool {
		names = append(names, s.Name())
		return true
	})
	sender.SendMessage(fmt.Sprintf("%d online: %s", c.sessions.Count(), strings.Join(names, ", ")))
	return nil
}
