// Package console dispatches staff commands that draft and revoke
// punishments, either from the process console or from connected staff.
package console

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/platform"
)

// PermPrefix prefixes the permission required by each command.
const PermPrefix = "punishd.command."

// Sender is whoever issued a command.
type Sender interface {
	Name() string
	Operator() model.Operator
	HasPermission(perm string) bool
	SendMessage(msg string)
}

// Command is a console command. args includes the command name at [0].
type Command interface {
	Names() []string
	Handle(ctx context.Context, sender Sender, args []string) error
}

// Handler dispatches command lines to registered commands.
// Commands are registered once at startup, then read-only.
type Handler struct {
	mu       sync.RWMutex
	commands map[string]Command // lowercase name
	primary  map[string]string  // alias -> first name, used for permissions
}

// NewHandler creates an empty Handler.
func NewHandler() *Handler {
	return &Handler{
		commands: make(map[string]Command, 16),
		primary:  make(map[string]string, 16),
	}
}

// Register adds cmd under all of its names, case-insensitively.
func (h *Handler) Register(cmd Command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := cmd.Names()
	for _, name := range names {
		name = strings.ToLower(name)
		h.commands[name] = cmd
		h.primary[name] = strings.ToLower(names[0])
	}
}

// Count returns the number of registered names, aliases included.
func (h *Handler) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.commands)
}

// Names returns the registered primary names, sorted.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for name, primary := range h.primary {
		if name == primary {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Dispatch runs line on behalf of sender. A leading "/" is ignored.
// Returns true if a command was found and the sender was allowed to run it.
func (h *Handler) Dispatch(ctx context.Context, sender Sender, line string) bool {
	parts := strings.Fields(strings.TrimPrefix(strings.TrimSpace(line), "/"))
	if len(parts) == 0 {
		return false
	}
	name := strings.ToLower(parts[0])

	h.mu.RLock()
	cmd, ok := h.commands[name]
	primary := h.primary[name]
	h.mu.RUnlock()

	if !ok {
		sender.SendMessage("Unknown command: " + name)
		return false
	}

	if perm := PermPrefix + primary; !sender.HasPermission(perm) {
		sender.SendMessage("You do not have permission to use " + name)
		slog.Warn("command denied", "sender", sender.Name(), "command", name, "perm", perm)
		return false
	}

	slog.Info("command", "sender", sender.Name(), "command", line)

	if err := cmd.Handle(ctx, sender, parts); err != nil {
		sender.SendMessage(fmt.Sprintf("Command error: %s", err))
		slog.Error("command failed", "sender", sender.Name(), "command", line, "err", err)
	}
	return true
}

// SessionSender lets a connected user issue commands.
func SessionSender(s *platform.Session) Sender {
	return sessionSender{s}
}

type sessionSender struct {
	*platform.Session
}

func (s sessionSender) Operator() model.Operator {
	return model.PlayerOperator(s.UUID())
}
