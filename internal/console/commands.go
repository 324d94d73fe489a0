package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/pflag"

	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/punishment"
)

// Punisher is the punishment API used by the commands. Implemented by punishment.Service.
type Punisher interface {
	Enact(ctx context.Context, d model.Draft, bc model.Broadcasting) (*model.Punishment, error)
	Revoke(ctx context.Context, req punishment.RevokeRequest) (*model.Punishment, error)
	Expunge(ctx context.Context, id int64) (*model.Punishment, error)
	Modify(ctx context.Context, id int64, m model.Modification) (*model.Punishment, error)
	Get(ctx context.Context, id int64) (*model.Punishment, error)
	GetApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error)
	History(ctx context.Context, v model.Victim, limit int) ([]*model.Punishment, error)
}

// Identities resolves command targets. Implemented by identity.Resolver.
type Identities interface {
	LookupVictim(ctx context.Context, target string) (model.Victim, error)
	LookupComposite(ctx context.Context, target string) (model.Victim, error)
	AddressOf(ctx context.Context, id uuid.UUID) (netip.Addr, error)
	Describe(ctx context.Context, v model.Victim) string
}

// Deps are the collaborators of the built-in commands.
type Deps struct {
	Punishments Punisher
	Identities  Identities
	Clock       clockwork.Clock
	// Gate and Sessions enable the login, logout, chat and online commands
	// when both are set.
	Gate     Gate
	Sessions Sessions
}

// RegisterDefaults registers every built-in command.
func RegisterDefaults(h *Handler, d Deps) {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	for _, typ := range model.AllTypes {
		h.Register(&punish{deps: d, typ: typ})
		if typ.IsSingular() || typ == model.TypeWarn {
			h.Register(&revoke{deps: d, typ: typ})
		}
	}
	h.Register(&expunge{deps: d})
	h.Register(&modify{deps: d})
	h.Register(&history{deps: d})
	h.Register(&check{deps: d})
	h.Register(&help{handler: h})
	if d.Gate != nil && d.Sessions != nil {
		registerSession(h, d)
	}
}

func newFlags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func broadcasting(silent, quiet bool) model.Broadcasting {
	switch {
	case quiet:
		return model.BroadcastNone
	case silent:
		return model.BroadcastSilent
	}
	return model.BroadcastNormal
}

// punish handles ban, mute, warn and kick:
//
//	ban <target> [-d 7d] [-s server:lobby] [-i] [-S|-q] [reason...]
type punish struct {
	deps Deps
	typ  model.PunishmentType
}

func (c *punish) Names() []string {
	name := strings.ToLower(c.typ.String())
	if c.typ == model.TypeBan {
		return []string{name, "tempban"}
	}
	if c.typ == model.TypeMute {
		return []string{name, "tempmute"}
	}
	return []string{name}
}

func (c *punish) usage() error {
	return fmt.Errorf("usage: %s <player|uuid|ip> [-d duration] [-s scope] [-i] [-S|-q] [reason...]", c.Names()[0])
}

func (c *punish) Handle(ctx context.Context, sender Sender, args []string) error {
	fs := newFlags(args[0])
	var (
		duration = fs.StringP("duration", "d", "perm", "duration, e.g. 30m, 2h, 7d or perm")
		scope    = fs.StringP("scope", "s", "global", "global, server:<name> or category:<name>")
		withIP   = fs.BoolP("ip", "i", false, "also target the player's latest address")
		silent   = fs.BoolP("silent", "S", false, "notify only silent-notify holders")
		quiet    = fs.BoolP("quiet", "q", false, "notify nobody")
	)
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %w", c.usage(), err)
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return c.usage()
	}

	var d model.Draft
	d.Type = c.typ
	d.Operator = sender.Operator()
	d.Reason = strings.Join(rest[1:], " ")

	var err error
	if *withIP {
		d.Victim, err = c.deps.Identities.LookupComposite(ctx, rest[0])
	} else {
		d.Victim, err = c.deps.Identities.LookupVictim(ctx, rest[0])
	}
	if err != nil {
		return err
	}
	if d.Scope, err = model.ParseScope(*scope); err != nil {
		return err
	}
	if c.typ != model.TypeKick {
		if d.Duration, err = ParseDuration(*duration); err != nil {
			return err
		}
	}

	p, err := c.deps.Punishments.Enact(ctx, d, broadcasting(*silent, *quiet))
	if errors.Is(err, punishment.ErrAlreadyPunished) {
		return fmt.Errorf("%s already has an active %s", rest[0], strings.ToLower(c.typ.String()))
	}
	if err != nil {
		return err
	}

	msg := fmt.Sprintf("%s %s (#%d)", pastTense(c.typ), c.deps.Identities.Describe(ctx, p.Victim), p.ID)
	if c.typ.IsSingular() {
		msg += " " + describeEnd(p, c.deps.Clock.Now())
	}
	if !p.Scope.IsGlobal() {
		msg += " on " + p.Scope.String()
	}
	sender.SendMessage(msg)
	return nil
}

// revoke handles unban, unmute and unwarn:
//
//	unban <target|#id> [-S|-q] [reason...]
type revoke struct {
	deps Deps
	typ  model.PunishmentType
}

func (c *revoke) Names() []string {
	return []string{"un" + strings.ToLower(c.typ.String())}
}

func (c *revoke) Handle(ctx context.Context, sender Sender, args []string) error {
	fs := newFlags(args[0])
	silent := fs.BoolP("silent", "S", false, "notify only silent-notify holders")
	quiet := fs.BoolP("quiet", "q", false, "notify nobody")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: %s <player|uuid|ip|#id> [-S|-q] [reason...]", args[0])
	}

	req := punishment.RevokeRequest{
		Type:         c.typ,
		Operator:     sender.Operator(),
		Reason:       strings.Join(rest[1:], " "),
		Broadcasting: broadcasting(*silent, *quiet),
	}
	if id, ok := parseID(rest[0]); ok {
		existing, err := c.deps.Punishments.Get(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("punishment #%d not found", id)
		}
		if existing.Type != c.typ {
			return fmt.Errorf("punishment #%d is a %s", id, strings.ToLower(existing.Type.String()))
		}
		req.ID = id
	} else {
		v, err := c.deps.Identities.LookupVictim(ctx, rest[0])
		if err != nil {
			return err
		}
		req.Victim = v
	}

	p, err := c.deps.Punishments.Revoke(ctx, req)
	switch {
	case errors.Is(err, punishment.ErrNotFound):
		return fmt.Errorf("%s has no active %s", rest[0], strings.ToLower(c.typ.String()))
	case errors.Is(err, punishment.ErrNotActive):
		return fmt.Errorf("punishment %s is no longer active", rest[0])
	case err != nil:
		return err
	}
	sender.SendMessage(fmt.Sprintf("Revoked %s #%d of %s",
		strings.ToLower(p.Type.String()), p.ID, c.deps.Identities.Describe(ctx, p.Victim)))
	return nil
}

// expunge <id> deletes a punishment everywhere.
type expunge struct {
	deps Deps
}

func (c *expunge) Names() []string {
	return []string{"expunge", "delpunishment"}
}

func (c *expunge) Handle(ctx context.Context, sender Sender, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: expunge <id>")
	}
	id, ok := parseID(args[1])
	if !ok {
		return fmt.Errorf("invalid id %q", args[1])
	}
	p, err := c.deps.Punishments.Expunge(ctx, id)
	if errors.Is(err, punishment.ErrNotFound) {
		return fmt.Errorf("punishment #%d not found", id)
	}
	if err != nil {
		return err
	}
	sender.SendMessage(fmt.Sprintf("Expunged %s #%d", strings.ToLower(p.Type.String()), p.ID))
	return nil
}

// modify <id> [-d duration] [-s scope] [reason...] changes a punishment.
// The new duration counts from the punishment's start.
type modify struct {
	deps Deps
}

func (c *modify) Names() []string {
	return []string{"modify", "edit"}
}

func (c *modify) Handle(ctx context.Context, sender Sender, args []string) error {
	fs := newFlags(args[0])
	duration := fs.StringP("duration", "d", "", "new duration from the start")
	scope := fs.StringP("scope", "s", "", "new scope")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return fmt.Errorf("usage: modify <id> [-d duration] [-s scope] [reason...]")
	}
	id, ok := parseID(rest[0])
	if !ok {
		return fmt.Errorf("invalid id %q", rest[0])
	}
	existing, err := c.deps.Punishments.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("punishment #%d not found", id)
	}

	var m model.Modification
	if len(rest) > 1 {
		reason := strings.Join(rest[1:], " ")
		m.Reason = &reason
	}
	if fs.Changed("scope") {
		s, err := model.ParseScope(*scope)
		if err != nil {
			return err
		}
		m.Scope = &s
	}
	if fs.Changed("duration") {
		d, err := ParseDuration(*duration)
		if err != nil {
			return err
		}
		var end time.Time
		if d > 0 {
			end = existing.Start.Add(d)
		}
		m.End = &end
	}

	p, err := c.deps.Punishments.Modify(ctx, id, m)
	if err != nil {
		return err
	}
	sender.SendMessage(fmt.Sprintf("Modified %s #%d: %s", strings.ToLower(p.Type.String()), p.ID, describeEnd(p, c.deps.Clock.Now())))
	return nil
}

// history <target> [-n limit] lists punishments of a victim, newest first.
type history struct {
	deps Deps
}

func (c *history) Names() []string {
	return []string{"history", "hist"}
}

func (c *history) Handle(ctx context.Context, sender Sender, args []string) error {
	fs := newFlags(args[0])
	limit := fs.IntP("limit", "n", 10, "maximum entries")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: history <player|uuid|ip> [-n limit]")
	}
	v, err := c.deps.Identities.LookupVictim(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	ps, err := c.deps.Punishments.History(ctx, v, *limit)
	if err != nil {
		return err
	}
	name := c.deps.Identities.Describe(ctx, v)
	if len(ps) == 0 {
		sender.SendMessage(name + " has no punishments")
		return nil
	}
	now := c.deps.Clock.Now()
	sender.SendMessage(fmt.Sprintf("History of %s:", name))
	for _, p := range ps {
		sender.SendMessage(historyLine(p, now))
	}
	return nil
}

// check <target> shows the ban and mute currently applying to a player.
type check struct {
	deps Deps
}

func (c *check) Names() []string {
	return []string{"check"}
}

func (c *check) Handle(ctx context.Context, sender Sender, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: check <player|uuid|ip>")
	}
	v, err := c.deps.Identities.LookupVictim(ctx, args[1])
	if err != nil {
		return err
	}
	id, addr := v.UUID, v.Address
	if v.HasUUID() && !addr.IsValid() {
		// Address punishments apply too when the player's address is known.
		addr, _ = c.deps.Identities.AddressOf(ctx, id)
	}

	name := c.deps.Identities.Describe(ctx, v)
	now := c.deps.Clock.Now()
	for _, typ := range []model.PunishmentType{model.TypeBan, model.TypeMute} {
		p, err := c.deps.Punishments.GetApplicable(ctx, id, addr, typ)
		if err != nil {
			return err
		}
		if p == nil {
			sender.SendMessage(fmt.Sprintf("%s: not %s", name, strings.ToLower(pastTense(typ))))
			continue
		}
		sender.SendMessage(fmt.Sprintf("%s: %s (#%d) %s: %s", name, strings.ToLower(pastTense(typ)), p.ID, describeEnd(p, now), reason(p)))
	}
	return nil
}

type help struct {
	handler *Handler
}

func (c *help) Names() []string {
	return []string{"help", "?"}
}

func (c *help) Handle(_ context.Context, sender Sender, _ []string) error {
	var allowed []string
	for _, name := range c.handler.Names() {
		if sender.HasPermission(PermPrefix + name) {
			allowed = append(allowed, name)
		}
	}
	sender.SendMessage("Commands: " + strings.Join(allowed, ", "))
	return nil
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(s, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func pastTense(t model.PunishmentType) string {
	switch t {
	case model.TypeBan:
		return "Banned"
	case model.TypeMute:
		return "Muted"
	case model.TypeWarn:
		return "Warned"
	case model.TypeKick:
		return "Kicked"
	}
	return t.String()
}

func reason(p *model.Punishment) string {
	if p.Reason == "" {
		return "no reason given"
	}
	return p.Reason
}

func describeEnd(p *model.Punishment, now time.Time) string {
	switch {
	case p.IsPermanent():
		return "permanently"
	case p.IsExpired(now):
		return "expired"
	}
	return "for " + FormatDuration(p.Remaining(now))
}

func historyLine(p *model.Punishment, now time.Time) string {
	state := "active"
	switch {
	case p.IsRevoked():
		state = "revoked by " + p.Revocation.Operator.String()
	case !p.Type.IsSingular():
		state = "issued"
	case p.IsExpired(now):
		state = "expired"
	}
	line := fmt.Sprintf("#%d %s %s by %s, %s, %s: %s",
		p.ID, p.Type, p.Start.UTC().Format(time.DateTime), p.Operator, durationLabel(p), state, reason(p))
	if !p.Scope.IsGlobal() {
		line += " [" + p.Scope.String() + "]"
	}
	return line
}

func durationLabel(p *model.Punishment) string {
	if !p.Type.IsSingular() {
		return "-"
	}
	if p.IsPermanent() {
		return "permanent"
	}
	return FormatDuration(p.End.Sub(p.Start))
}
