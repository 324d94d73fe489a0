package enforcement

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/udisondev/punishd/internal/cache"
	"github.com/udisondev/punishd/internal/model"
)

// recentTTL bounds how long a local announcement, or an applied KICK or WARN,
// suppresses the repeat when the same sync packet comes back.
const recentTTL = 10 * time.Minute

// Config wires an Enforcer to its collaborators.
type Config struct {
	Platform    Platform
	Punishments Punishments
	Identities  Identities
	Cache       Cache
	Formatter   Formatter   // DefaultFormatter when nil
	Clock       clockwork.Clock // real clock when nil
	Scopes      model.ServerScopes

	// MutedCommands are denied to muted users.
	MutedCommands []string
}

type notice struct {
	user uuid.UUID
	id   int64
	mode model.EnforcementMode
}

type announcement struct {
	id   int64
	mode model.EnforcementMode
}

// Enforcer applies punishments to users connected to this instance.
type Enforcer struct {
	platform      Platform
	punishments   Punishments
	identities    Identities
	cache         Cache
	format        Formatter
	clock         clockwork.Clock
	scopes        model.ServerScopes
	mutedCommands map[string]struct{}

	mu        sync.Mutex
	notices   map[notice]struct{}
	announced map[announcement]time.Time
	// instant holds KICK and WARN ids already applied here; they have no
	// active state to tell a redelivery from a new punishment.
	instant map[int64]time.Time
}

// New creates an Enforcer.
func New(cfg Config) *Enforcer {
	if cfg.Formatter == nil {
		cfg.Formatter = DefaultFormatter{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	muted := make(map[string]struct{}, len(cfg.MutedCommands))
	for _, c := range cfg.MutedCommands {
		muted[strings.ToLower(c)] = struct{}{}
	}
	return &Enforcer{
		platform:      cfg.Platform,
		punishments:   cfg.Punishments,
		identities:    cfg.Identities,
		cache:         cfg.Cache,
		format:        cfg.Formatter,
		clock:         cfg.Clock,
		scopes:        cfg.Scopes,
		mutedCommands: muted,
		notices:       make(map[notice]struct{}),
		announced:     make(map[announcement]time.Time),
		instant:       make(map[int64]time.Time),
	}
}

// NewLoader adapts a punishment store to the selection cache, scoped to this server.
func NewLoader(p Punishments, scopes model.ServerScopes, clk clockwork.Clock) cache.LoaderFunc {
	return func(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error) {
		return p.SelectApplicable(ctx, id, addr, typ, scopes, clk.Now())
	}
}

// Scopes returns the server scopes this instance enforces.
func (e *Enforcer) Scopes() model.ServerScopes {
	return e.scopes
}

// Enforce applies p to matching connected users: BAN and KICK disconnect them,
// MUTE marks them muted, WARN notifies them. Inactive or out-of-scope
// punishments are ignored, and a KICK or WARN is applied once per instance.
// Returns the number of users affected.
func (e *Enforcer) Enforce(p *model.Punishment) int {
	now := e.clock.Now()
	if !p.Scope.Applies(e.scopes) {
		slog.Debug("punishment out of scope", "punishment_id", p.ID, "scope", p.Scope)
		return 0
	}
	if p.Type.IsSingular() && !p.IsActive(now) {
		slog.Debug("skipping inactive punishment", "punishment_id", p.ID, "type", p.Type)
		return 0
	}
	if !p.Type.IsSingular() && !e.firstApplication(p.ID, now) {
		slog.Debug("punishment already applied", "punishment_id", p.ID, "type", p.Type)
		return 0
	}

	affected := 0
	for _, u := range e.platform.OnlineUsers() {
		if !p.Victim.Matches(u.UUID(), u.Address()) {
			continue
		}
		affected++
		switch p.Type {
		case model.TypeBan, model.TypeKick:
			u.Kick(e.format.KickMessage(p, now))
		case model.TypeMute:
			e.cache.Put(u.UUID(), u.Address(), model.TypeMute, p)
			if e.firstNotice(u.UUID(), p.ID, model.ModeDo) {
				u.SendMessage(e.format.MuteNotice(p, now))
			}
		case model.TypeWarn:
			if e.firstNotice(u.UUID(), p.ID, model.ModeDo) {
				u.SendMessage(e.format.WarnNotice(p))
			}
		}
	}

	if affected > 0 {
		slog.Info("punishment enforced",
			"punishment_id", p.ID,
			"type", p.Type,
			"victim", p.Victim,
			"users", affected)
	}
	return affected
}

// Unenforce lifts the local effect of p: cached selections for the victim are
// dropped and muted users are told they can speak again.
func (e *Enforcer) Unenforce(p *model.Punishment) int {
	e.cache.InvalidateVictim(p.Victim)
	e.cache.InvalidatePunishment(p.ID)

	if p.Type != model.TypeMute || !p.Scope.Applies(e.scopes) {
		return 0
	}
	affected := 0
	for _, u := range e.platform.OnlineUsers() {
		if !p.Victim.Matches(u.UUID(), u.Address()) {
			continue
		}
		affected++
		if e.firstNotice(u.UUID(), p.ID, model.ModeUndo) {
			u.SendMessage(e.format.UnmuteNotice(p))
		}
	}
	return affected
}

// Refresh reapplies p after its details changed: cached selections are dropped
// and the punishment is enforced again if it is still active.
func (e *Enforcer) Refresh(p *model.Punishment) int {
	e.cache.InvalidateVictim(p.Victim)
	e.cache.InvalidatePunishment(p.ID)
	if !p.IsActive(e.clock.Now()) {
		return 0
	}
	return e.Enforce(p)
}

// Forget drops every trace of punishment id, used after it is expunged.
func (e *Enforcer) Forget(id int64) {
	e.cache.InvalidatePunishment(id)

	e.mu.Lock()
	defer e.mu.Unlock()
	for n := range e.notices {
		if n.id == id {
			delete(e.notices, n)
		}
	}
	delete(e.announced, announcement{id: id, mode: model.ModeDo})
	delete(e.announced, announcement{id: id, mode: model.ModeUndo})
	delete(e.instant, id)
}

// Disconnected forgets the notices sent to a user who left.
func (e *Enforcer) Disconnected(user uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for n := range e.notices {
		if n.user == user {
			delete(e.notices, n)
		}
	}
}

// Announce broadcasts a punishment change made on this instance to local staff.
// The same change arriving later through synchronization is not announced again.
func (e *Enforcer) Announce(p *model.Punishment, mode model.EnforcementMode, bc model.Broadcasting) {
	now := e.clock.Now()

	e.mu.Lock()
	for a, at := range e.announced {
		if now.Sub(at) > recentTTL {
			delete(e.announced, a)
		}
	}
	e.announced[announcement{id: p.ID, mode: mode}] = now
	e.mu.Unlock()

	e.broadcast(p, mode, bc)
}

// announcedLocally reports and clears a pending local announcement.
func (e *Enforcer) announcedLocally(id int64, mode model.EnforcementMode) bool {
	key := announcement{id: id, mode: mode}

	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.announced[key]
	delete(e.announced, key)
	return ok
}

func (e *Enforcer) broadcast(p *model.Punishment, mode model.EnforcementMode, bc model.Broadcasting) {
	var perm string
	switch bc {
	case model.BroadcastNormal:
		perm = PermNotify
	case model.BroadcastSilent:
		perm = PermNotifySilent
	default:
		return
	}
	e.platform.Broadcast(e.format.Notification(p, mode), perm)
}

// ExecuteAndCheckConnection records the identity of a connecting user and
// returns the BAN that must refuse the connection, or nil.
// The ban is read from the store, not the cache, and the cache is refreshed
// with the result together with the user's MUTE.
func (e *Enforcer) ExecuteAndCheckConnection(ctx context.Context, id uuid.UUID, name string, addr netip.Addr) (*model.Punishment, error) {
	now := e.clock.Now()
	addr = addr.Unmap()

	if err := e.identities.RecordLogin(ctx, id, name, addr, now); err != nil {
		slog.Error("recording login", "uuid", id, "name", name, "err", err)
	}

	gen := e.cache.Generation()
	ban, err := e.punishments.SelectApplicable(ctx, id, addr, model.TypeBan, e.scopes, now)
	if err != nil {
		return nil, fmt.Errorf("selecting ban for %s: %w", id, err)
	}
	e.cache.PutAt(gen, id, addr, model.TypeBan, ban)

	if _, err := e.cache.GetApplicable(ctx, id, addr, model.TypeMute); err != nil {
		slog.Warn("prefetching mute", "uuid", id, "err", err)
	}

	if ban != nil {
		slog.Info("connection denied", "uuid", id, "name", name, "punishment_id", ban.ID)
	}
	return ban, nil
}

// DenyMessage renders the message shown to a user refused by ban.
func (e *Enforcer) DenyMessage(ban *model.Punishment) string {
	return e.format.DenyMessage(ban, e.clock.Now())
}

// CheckChat returns the MUTE that must suppress a chat message from u, or nil.
// A muted user is told why the message was dropped.
func (e *Enforcer) CheckChat(ctx context.Context, u OnlineUser) (*model.Punishment, error) {
	mute, err := e.cache.GetApplicable(ctx, u.UUID(), u.Address(), model.TypeMute)
	if err != nil {
		return nil, fmt.Errorf("selecting mute for %s: %w", u.UUID(), err)
	}
	if mute != nil {
		u.SendMessage(e.format.MuteNotice(mute, e.clock.Now()))
	}
	return mute, nil
}

// CheckCommand is CheckChat for commands listed in Config.MutedCommands;
// other commands are never blocked.
func (e *Enforcer) CheckCommand(ctx context.Context, u OnlineUser, command string) (*model.Punishment, error) {
	if !e.isMutedCommand(command) {
		return nil, nil
	}
	return e.CheckChat(ctx, u)
}

func (e *Enforcer) isMutedCommand(command string) bool {
	name, _, _ := strings.Cut(strings.TrimSpace(command), " ")
	name = strings.ToLower(strings.TrimPrefix(name, "/"))
	if _, after, ok := strings.Cut(name, ":"); ok {
		name = after
	}
	_, ok := e.mutedCommands[name]
	return ok
}

// firstApplication reports whether the KICK or WARN id has not been applied
// within recentTTL and marks it applied.
func (e *Enforcer) firstApplication(id int64, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, at := range e.instant {
		if now.Sub(at) > recentTTL {
			delete(e.instant, k)
		}
	}
	if _, ok := e.instant[id]; ok {
		return false
	}
	e.instant[id] = now
	return true
}

// firstNotice reports whether the notice has not been sent yet and marks it sent.
func (e *Enforcer) firstNotice(user uuid.UUID, id int64, mode model.EnforcementMode) bool {
	key := notice{user: user, id: id, mode: mode}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.notices[key]; ok {
		return false
	}
	e.notices[key] = struct{}{}
	return true
}
