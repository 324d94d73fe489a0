// Package cache answers "which punishment applies to this user right now"
// without a database round trip on every chat message or command.
//
// Consistency: a revoked or expired punishment can be reported for at most
// TTL plus one synchronization poll interval. Expiry itself is evaluated on
// every read, so a temporary punishment stops applying exactly at its end.
// Revocations made on another instance rely on the sync packet invalidating
// the entry; if that packet is missed the TTL bounds the staleness.
package cache

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/udisondev/punishd/internal/model"
)

// Loader fetches the applicable punishment from storage.
// It returns nil, nil when nothing applies.
type Loader interface {
	LoadApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error)

func (f LoaderFunc) LoadApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error) {
	return f(ctx, id, addr, typ)
}

// Key identifies a cached selection.
type Key struct {
	UUID    uuid.UUID
	Address netip.Addr
	Type    model.PunishmentType
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.UUID, k.Address, k.Type)
}

type entry struct {
	punishment *model.Punishment // nil caches "none"
	loadedAt   time.Time
}

// Selection is a TTL cache of applicable punishments. Safe for concurrent use.
type Selection struct {
	loader Loader
	clock  clockwork.Clock
	ttl    time.Duration

	mu      sync.RWMutex
	entries map[Key]entry

	// generation changes on every invalidation; loads that started in an
	// older generation are returned to their callers but not cached.
	generation atomic.Uint64
	group      singleflight.Group
}

// NewSelection creates a cache. A ttl of zero disables caching.
func NewSelection(loader Loader, ttl time.Duration, clk clockwork.Clock) *Selection {
	return &Selection{
		loader:  loader,
		clock:   clk,
		ttl:     ttl,
		entries: make(map[Key]entry, 256),
	}
}

// TTL returns the freshness bound of cached entries.
func (s *Selection) TTL() time.Duration {
	return s.ttl
}

// GetApplicable returns the punishment of type typ applying to the user, or nil.
func (s *Selection) GetApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType) (*model.Punishment, error) {
	key := Key{UUID: id, Address: addr.Unmap(), Type: typ}
	now := s.clock.Now()

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && now.Sub(e.loadedAt) < s.ttl {
		return visible(e.punishment, now), nil
	}

	gen := s.generation.Load()
	v, err, _ := s.group.Do(fmt.Sprintf("%d/%s", gen, key), func() (any, error) {
		p, err := s.loader.LoadApplicable(ctx, key.UUID, key.Address, typ)
		if err != nil {
			return nil, err
		}
		if s.ttl > 0 {
			s.mu.Lock()
			if s.generation.Load() == gen {
				s.entries[key] = entry{punishment: p, loadedAt: now}
			}
			s.mu.Unlock()
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading applicable %s for %s: %w", typ, id, err)
	}
	p, _ := v.(*model.Punishment)
	return visible(p, now), nil
}

// Put stores a known selection for a user, e.g. right after enforcing a mute.
func (s *Selection) Put(id uuid.UUID, addr netip.Addr, typ model.PunishmentType, p *model.Punishment) {
	if s.ttl <= 0 {
		return
	}
	key := Key{UUID: id, Address: addr.Unmap(), Type: typ}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{punishment: p, loadedAt: now}
}

// Generation returns the current invalidation generation. Pass it to PutAt
// together with a selection read from storage after this call.
func (s *Selection) Generation() uint64 {
	return s.generation.Load()
}

// PutAt is Put for a selection loaded while gen was current. The entry is
// dropped when an invalidation happened since, and false is returned.
func (s *Selection) PutAt(gen uint64, id uuid.UUID, addr netip.Addr, typ model.PunishmentType, p *model.Punishment) bool {
	if s.ttl <= 0 {
		return false
	}
	key := Key{UUID: id, Address: addr.Unmap(), Type: typ}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation.Load() != gen {
		return false
	}
	s.entries[key] = entry{punishment: p, loadedAt: now}
	return true
}

// InvalidateVictim drops every entry of a user the victim matches.
func (s *Selection) InvalidateVictim(v model.Victim) int {
	return s.invalidate(func(k Key, _ entry) bool {
		return v.Matches(k.UUID, k.Address)
	})
}

// InvalidatePunishment drops every entry holding the punishment id.
func (s *Selection) InvalidatePunishment(id int64) int {
	return s.invalidate(func(_ Key, e entry) bool {
		return e.punishment != nil && e.punishment.ID == id
	})
}

// InvalidateAll empties the cache.
func (s *Selection) InvalidateAll() int {
	return s.invalidate(func(Key, entry) bool { return true })
}

// Evict drops entries older than the TTL and returns how many were removed.
func (s *Selection) Evict() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.entries {
		if now.Sub(e.loadedAt) >= s.ttl {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries, fresh or not.
func (s *Selection) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Selection) invalidate(match func(Key, entry) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.generation.Add(1)
	removed := 0
	for k, e := range s.entries {
		if match(k, e) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// visible hides punishments that stopped applying since they were cached.
func visible(p *model.Punishment, now time.Time) *model.Punishment {
	if p == nil || !p.IsActive(now) {
		return nil
	}
	return p
}
