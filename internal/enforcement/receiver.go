package enforcement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/protocol"
)

// Receiver applies synchronization packets from other instances.
//
// Packets carry only identifiers; the current state of the punishment is read
// from the store so that a duplicate or late DO arriving after the matching
// UNDO is recognized as stale and ignored.
type Receiver struct {
	enforcer *Enforcer
}

var _ protocol.Handler = (*Receiver)(nil)

// NewReceiver creates a Receiver applying packets through e.
func NewReceiver(e *Enforcer) *Receiver {
	return &Receiver{enforcer: e}
}

func (r *Receiver) HandleEnforceUnenforce(ctx context.Context, pk protocol.EnforceUnenforce) error {
	e := r.enforcer
	e.cache.InvalidateVictim(pk.Victim)
	e.cache.InvalidatePunishment(pk.ID)

	p, err := e.punishments.Get(ctx, pk.ID)
	if err != nil {
		slog.Warn("punishment lookup failed, using packet details",
			"punishment_id", pk.ID,
			"mode", pk.Mode,
			"err", err)
		p = r.packetView(pk)
	}
	if p == nil {
		slog.Debug("punishment no longer exists", "punishment_id", pk.ID, "mode", pk.Mode)
		return nil
	}

	switch pk.Mode {
	case model.ModeDo:
		if p.Type.IsSingular() && !p.IsActive(e.clock.Now()) {
			slog.Debug("skipping stale enforcement", "punishment_id", p.ID)
			return nil
		}
		e.Enforce(p)
	case model.ModeUndo:
		e.Unenforce(p)
	default:
		return fmt.Errorf("punishment %d: unknown mode %s", pk.ID, pk.Mode)
	}

	if !e.announcedLocally(pk.ID, pk.Mode) {
		e.broadcast(p, pk.Mode, pk.Broadcasting)
	}
	return nil
}

func (r *Receiver) HandleExpunge(_ context.Context, pk protocol.Expunge) error {
	r.enforcer.Forget(pk.ID)
	slog.Debug("punishment expunged", "punishment_id", pk.ID)
	return nil
}

func (r *Receiver) HandleUpdateDetails(ctx context.Context, pk protocol.UpdateDetails) error {
	e := r.enforcer
	e.cache.InvalidatePunishment(pk.ID)

	p, err := e.punishments.Get(ctx, pk.ID)
	if err != nil {
		// The new scope or end is unknown, so any cached selection may be stale.
		n := e.cache.InvalidateAll()
		slog.Warn("updated punishment lookup failed, cache dropped",
			"punishment_id", pk.ID,
			"entries", n,
			"err", err)
		return nil
	}
	if p == nil {
		slog.Info("updated punishment not found, skipping", "punishment_id", pk.ID)
		return nil
	}

	e.Refresh(p)
	return nil
}

// packetView builds the best punishment view available from the packet alone.
// An absent operator is treated as the console and the scope as global.
func (r *Receiver) packetView(pk protocol.EnforceUnenforce) *model.Punishment {
	p := &model.Punishment{
		ID:     pk.ID,
		Type:   pk.Type,
		Victim: pk.Victim,
		Scope:  model.ScopeGlobal(),
		Start:  r.enforcer.clock.Now(),
	}
	if pk.Operator != nil {
		p.Operator = *pk.Operator
	}
	if pk.Mode == model.ModeUndo {
		p.Revocation = &model.Revocation{Operator: p.Operator, At: p.Start}
	}
	return p
}
