// Package enforcement applies punishments to users connected to this instance
// and reacts to synchronization packets from other instances.
//
// Every entry point is idempotent: enforcing the same punishment twice kicks
// only users that are still connected and sends each notice at most once per
// user and punishment.
package enforcement

import (
	"context"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/punishd/internal/model"
)

// Permissions checked when broadcasting to staff.
const (
	PermNotify       = "punishd.notify"
	PermNotifySilent = "punishd.notify.silent"
)

// OnlineUser is a user connected to this instance.
type OnlineUser interface {
	UUID() uuid.UUID
	Name() string
	Address() netip.Addr
	HasPermission(perm string) bool
	SendMessage(msg string)
	// Kick disconnects the user with msg. Kicking a disconnected user is a no-op.
	Kick(msg string)
}

// Platform is the host server the engine enforces on.
type Platform interface {
	// OnlineUsers returns a snapshot of connected users.
	OnlineUsers() []OnlineUser
	// Broadcast sends msg to every user holding perm and to the console.
	Broadcast(msg, perm string)
}

// Punishments is the read side of the punishment store.
type Punishments interface {
	Get(ctx context.Context, id int64) (*model.Punishment, error)
	SelectApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType, scopes model.ServerScopes, now time.Time) (*model.Punishment, error)
}

// Identities records the name and address a user connects with.
type Identities interface {
	RecordLogin(ctx context.Context, id uuid.UUID, name string, addr netip.Addr, at time.Time) error
}

// Cache is the selection cache consulted on hot paths.
type Cache interface {
	GetApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error)
	Put(id uuid.UUID, addr netip.Addr, typ model.PunishmentType, p *model.Punishment)
	Generation() uint64
	PutAt(gen uint64, id uuid.UUID, addr netip.Addr, typ model.PunishmentType, p *model.Punishment) bool
	InvalidateVictim(v model.Victim) int
	InvalidatePunishment(id int64) int
	InvalidateAll() int
}

// Formatter renders user-facing texts.
type Formatter interface {
	// DenyMessage is shown to a banned user whose connection is refused.
	DenyMessage(p *model.Punishment, now time.Time) string
	// KickMessage is shown to a user disconnected by a BAN or KICK.
	KickMessage(p *model.Punishment, now time.Time) string
	MuteNotice(p *model.Punishment, now time.Time) string
	WarnNotice(p *model.Punishment) string
	UnmuteNotice(p *model.Punishment) string
	// Notification is broadcast to staff when a punishment is applied or lifted.
	Notification(p *model.Punishment, mode model.EnforcementMode) string
}
