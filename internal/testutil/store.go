package testutil

import (
	"cmp"
	"context"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/udisondev/punishd/internal/model"
)

// MemoryStore is an in-memory punishment and identity store for unit tests.
// It follows the same contract as the PostgreSQL repositories and does not
// require a database.
type MemoryStore struct {
	mu          sync.RWMutex
	nextID      int64
	punishments map[int64]*model.Punishment
	logins      []model.UserIdentity
	err         error
	gets        int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		punishments: make(map[int64]*model.Punishment),
	}
}

// SetError makes every following call fail with err until cleared with nil.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Gets returns how many times Get was called.
func (m *MemoryStore) Gets() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gets
}

func (m *MemoryStore) Insert(_ context.Context, d model.Draft, now time.Time) (*model.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}

	if d.Type.IsSingular() {
		for _, p := range m.punishments {
			if p.Type == d.Type && p.Victim == d.Victim && p.IsActive(now) {
				return nil, model.ErrAlreadyPunished
			}
		}
	}
	m.nextID++
	p := d.Materialize(m.nextID, now)
	m.punishments[p.ID] = clonePunishment(p)
	return p, nil
}

func (m *MemoryStore) Get(_ context.Context, id int64) (*model.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.punishments[id]
	if !ok {
		return nil, nil
	}
	return clonePunishment(p), nil
}

func (m *MemoryStore) Revoke(_ context.Context, id int64, rev model.Revocation) (*model.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.punishments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if p.IsRevoked() || p.IsExpired(rev.At) {
		return nil, model.ErrNotActive
	}
	p.Revocation = &rev
	return clonePunishment(p), nil
}

func (m *MemoryStore) RevokeActive(_ context.Context, typ model.PunishmentType, v model.Victim, rev model.Revocation) (*model.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var newest *model.Punishment
	for _, p := range m.punishments {
		if p.Type != typ || p.Victim != v || p.IsRevoked() || p.IsExpired(rev.At) {
			continue
		}
		if newest == nil || newer(p, newest) {
			newest = p
		}
	}
	if newest == nil {
		return nil, model.ErrNotFound
	}
	newest.Revocation = &rev
	return clonePunishment(newest), nil
}

func (m *MemoryStore) Expunge(_ context.Context, id int64) (*model.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.punishments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	delete(m.punishments, id)
	return p, nil
}

func (m *MemoryStore) Modify(_ context.Context, id int64, mod model.Modification) (*model.Punishment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	p, ok := m.punishments[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if mod.Reason != nil {
		p.Reason = *mod.Reason
	}
	if mod.Scope != nil {
		p.Scope = *mod.Scope
	}
	if mod.End != nil {
		p.End = *mod.End
	}
	return clonePunishment(p), nil
}

func (m *MemoryStore) SelectApplicable(_ context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType, scopes model.ServerScopes, now time.Time) (*model.Punishment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var newest *model.Punishment
	for _, p := range m.punishments {
		if p.Type != typ || !p.Victim.Matches(id, addr) || !p.Scope.Applies(scopes) {
			continue
		}
		if p.IsRevoked() || p.IsExpired(now) {
			continue
		}
		if newest == nil || newer(p, newest) {
			newest = p
		}
	}
	if newest == nil {
		return nil, nil
	}
	return clonePunishment(newest), nil
}

func (m *MemoryStore) History(_ context.Context, v model.Victim, limit int) ([]*model.Punishment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var id uuid.UUID
	var addr netip.Addr
	if v.HasUUID() {
		id = v.UUID
	}
	if v.HasAddress() {
		addr = v.Address
	}
	var out []*model.Punishment
	for _, p := range m.punishments {
		if matchesIdentity(p.Victim, id, addr) {
			out = append(out, clonePunishment(p))
		}
	}
	return newestFirst(out, limit), nil
}

func (m *MemoryStore) Active(_ context.Context, typ model.PunishmentType, now time.Time, limit int) ([]*model.Punishment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*model.Punishment
	for _, p := range m.punishments {
		if p.Type == typ && !p.IsRevoked() && !p.IsExpired(now) {
			out = append(out, clonePunishment(p))
		}
	}
	return newestFirst(out, limit), nil
}

func (m *MemoryStore) RecordLogin(_ context.Context, id uuid.UUID, name string, addr netip.Addr, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.logins = append(m.logins, model.UserIdentity{UUID: id, Name: name, Address: addr.Unmap(), At: at})
	return nil
}

func (m *MemoryStore) LatestName(_ context.Context, id uuid.UUID) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return "", false, m.err
	}
	if ui, ok := m.latest(func(ui model.UserIdentity) bool { return ui.UUID == id }); ok {
		return ui.Name, true, nil
	}
	return "", false, nil
}

func (m *MemoryStore) LatestUUID(_ context.Context, name string) (uuid.UUID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return uuid.Nil, false, m.err
	}
	if ui, ok := m.latest(func(ui model.UserIdentity) bool { return strings.EqualFold(ui.Name, name) }); ok {
		return ui.UUID, true, nil
	}
	return uuid.Nil, false, nil
}

func (m *MemoryStore) LatestAddress(_ context.Context, id uuid.UUID) (netip.Addr, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return netip.Addr{}, false, m.err
	}
	if ui, ok := m.latest(func(ui model.UserIdentity) bool { return ui.UUID == id && ui.Address.IsValid() }); ok {
		return ui.Address, true, nil
	}
	return netip.Addr{}, false, nil
}

// latest returns the most recent login matching keep. Caller must hold m.mu.
func (m *MemoryStore) latest(keep func(model.UserIdentity) bool) (model.UserIdentity, bool) {
	var (
		best  model.UserIdentity
		found bool
	)
	for _, ui := range m.logins {
		if keep(ui) && (!found || !ui.At.Before(best.At)) {
			best, found = ui, true
		}
	}
	return best, found
}

func matchesIdentity(v model.Victim, id uuid.UUID, addr netip.Addr) bool {
	if id != uuid.Nil && v.HasUUID() && v.UUID == id {
		return true
	}
	return addr.IsValid() && v.HasAddress() && v.Address == addr
}

func newer(a, b *model.Punishment) bool {
	if !a.Start.Equal(b.Start) {
		return a.Start.After(b.Start)
	}
	return a.ID > b.ID
}

func newestFirst(ps []*model.Punishment, limit int) []*model.Punishment {
	slices.SortFunc(ps, func(a, b *model.Punishment) int {
		if c := b.Start.Compare(a.Start); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(ps) > limit {
		ps = ps[:limit]
	}
	return ps
}

func clonePunishment(p *model.Punishment) *model.Punishment {
	cp := *p
	if p.Revocation != nil {
		rev := *p.Revocation
		cp.Revocation = &rev
	}
	return &cp
}

// Logins returns the recorded logins of the player, newest first.
func (m *MemoryStore) Logins(_ context.Context, id uuid.UUID) ([]model.UserIdentity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []model.UserIdentity
	for _, ui := range m.logins {
		if ui.UUID == id {
			out = append(out, ui)
		}
	}
	slices.SortStableFunc(out, func(a, b model.UserIdentity) int {
		return b.At.Compare(a.At)
	})
	return out, nil
}
