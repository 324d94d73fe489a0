// Package punishment is the drafting and revocation API: it persists
// punishment changes, applies them on this instance and propagates them to
// the rest of the fleet.
package punishment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/udisondev/punishd/internal/enforcement"
	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/protocol"
)

var (
	ErrNotFound        = model.ErrNotFound
	ErrAlreadyPunished = model.ErrAlreadyPunished
	ErrNotActive       = model.ErrNotActive
	ErrNotRevocable    = errors.New("punishment type cannot be revoked")
	ErrInvalidDraft    = errors.New("invalid punishment")
)

// Store persists punishments. Implemented by db.PunishmentRepository.
type Store interface {
	enforcement.Punishments
	Insert(ctx context.Context, d model.Draft, now time.Time) (*model.Punishment, error)
	Revoke(ctx context.Context, id int64, rev model.Revocation) (*model.Punishment, error)
	RevokeActive(ctx context.Context, typ model.PunishmentType, v model.Victim, rev model.Revocation) (*model.Punishment, error)
	Expunge(ctx context.Context, id int64) (*model.Punishment, error)
	Modify(ctx context.Context, id int64, m model.Modification) (*model.Punishment, error)
	History(ctx context.Context, v model.Victim, limit int) ([]*model.Punishment, error)
	Active(ctx context.Context, typ model.PunishmentType, now time.Time, limit int) ([]*model.Punishment, error)
}

// Sender propagates packets to other instances. Implemented by the synchronizer.
type Sender interface {
	Send(ctx context.Context, p protocol.Packet) error
}

// Selector answers applicability queries, usually through the selection cache.
type Selector interface {
	GetApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error)
}

// Service coordinates storage, local enforcement and synchronization.
type Service struct {
	store    Store
	enforcer *enforcement.Enforcer
	selector Selector
	sender   Sender
	clock    clockwork.Clock
}

// NewService creates a Service.
func NewService(store Store, enforcer *enforcement.Enforcer, selector Selector, sender Sender, clk clockwork.Clock) *Service {
	return &Service{
		store:    store,
		enforcer: enforcer,
		selector: selector,
		sender:   sender,
		clock:    clk,
	}
}

// Enact persists the draft, enforces it here and tells the other instances.
func (s *Service) Enact(ctx context.Context, d model.Draft, bc model.Broadcasting) (*model.Punishment, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}

	p, err := s.store.Insert(ctx, d, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("enacting %s on %s: %w", d.Type, d.Victim, err)
	}
	slog.Info("punishment enacted",
		"punishment_id", p.ID,
		"type", p.Type,
		"victim", p.Victim,
		"operator", p.Operator,
		"scope", p.Scope)

	s.enforcer.Enforce(p)
	s.enforcer.Announce(p, model.ModeDo, bc)
	s.send(ctx, enforcePacket(p, model.ModeDo, bc, p.Operator))
	return p, nil
}

// RevokeRequest identifies the punishment to undo: by ID when non-zero,
// otherwise the active punishment of Type held by Victim.
type RevokeRequest struct {
	ID           int64
	Type         model.PunishmentType
	Victim       model.Victim
	Operator     model.Operator
	Reason       string
	Broadcasting model.Broadcasting
}

// Revoke undoes a punishment and propagates the UNDO.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (*model.Punishment, error) {
	rev := model.Revocation{Operator: req.Operator, Reason: req.Reason, At: s.clock.Now()}

	var (
		p   *model.Punishment
		err error
	)
	if req.ID != 0 {
		p, err = s.revokeByID(ctx, req.ID, rev)
	} else {
		if req.Type == model.TypeKick {
			return nil, ErrNotRevocable
		}
		p, err = s.store.RevokeActive(ctx, req.Type, req.Victim, rev)
	}
	if err != nil {
		return nil, fmt.Errorf("revoking punishment: %w", err)
	}
	slog.Info("punishment revoked",
		"punishment_id", p.ID,
		"type", p.Type,
		"victim", p.Victim,
		"operator", req.Operator)

	s.enforcer.Unenforce(p)
	s.enforcer.Announce(p, model.ModeUndo, req.Broadcasting)
	s.send(ctx, enforcePacket(p, model.ModeUndo, req.Broadcasting, req.Operator))
	return p, nil
}

func (s *Service) revokeByID(ctx context.Context, id int64, rev model.Revocation) (*model.Punishment, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, ErrNotFound
	}
	if existing.Type == model.TypeKick {
		return nil, ErrNotRevocable
	}
	return s.store.Revoke(ctx, id, rev)
}

// Expunge deletes a punishment everywhere.
func (s *Service) Expunge(ctx context.Context, id int64) (*model.Punishment, error) {
	p, err := s.store.Expunge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("expunging punishment %d: %w", id, err)
	}
	slog.Info("punishment expunged", "punishment_id", id, "victim", p.Victim)

	s.enforcer.Unenforce(p)
	s.enforcer.Forget(id)
	s.send(ctx, protocol.Expunge{ID: id})
	return p, nil
}

// Modify changes the details of a punishment and re-enforces it.
func (s *Service) Modify(ctx context.Context, id int64, m model.Modification) (*model.Punishment, error) {
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDraft, err)
	}
	p, err := s.store.Modify(ctx, id, m)
	if err != nil {
		return nil, fmt.Errorf("modifying punishment %d: %w", id, err)
	}
	slog.Info("punishment modified", "punishment_id", id)

	s.enforcer.Refresh(p)
	s.send(ctx, protocol.UpdateDetails{ID: id})
	return p, nil
}

// GetApplicable returns the punishment of typ currently applying to a user, or nil.
func (s *Service) GetApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error) {
	return s.selector.GetApplicable(ctx, id, addr, typ)
}

// Get returns a punishment by id, or nil.
func (s *Service) Get(ctx context.Context, id int64) (*model.Punishment, error) {
	return s.store.Get(ctx, id)
}

// History returns punishments matching the victim, newest first.
func (s *Service) History(ctx context.Context, v model.Victim, limit int) ([]*model.Punishment, error) {
	return s.store.History(ctx, v, limit)
}

// Active returns active punishments of typ, newest first.
func (s *Service) Active(ctx context.Context, typ model.PunishmentType, limit int) ([]*model.Punishment, error) {
	return s.store.Active(ctx, typ, s.clock.Now(), limit)
}

// send hands the packet to the synchronizer. Delivery failures are retried
// there, so they never fail the already committed change.
func (s *Service) send(ctx context.Context, p protocol.Packet) {
	if err := s.sender.Send(ctx, p); err != nil {
		slog.Error("sending sync packet", "kind", p.Kind(), "err", err)
	}
}

func enforcePacket(p *model.Punishment, mode model.EnforcementMode, bc model.Broadcasting, op model.Operator) protocol.EnforceUnenforce {
	return protocol.EnforceUnenforce{
		ID:           p.ID,
		Type:         p.Type,
		Mode:         mode,
		Broadcasting: bc,
		Victim:       p.Victim,
		Operator:     &op,
	}
}
