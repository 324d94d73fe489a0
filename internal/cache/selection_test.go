package cache

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/punishd/internal/model"
)

var (
	epoch  = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	userID = uuid.MustParse("4f1c2d8e-7a6b-4c3d-9e8f-1a2b3c4d5e6f")
	addr   = netip.MustParseAddr("203.0.113.7")
)

// fakeStore returns whatever punishment is currently stored and counts loads.
type fakeStore struct {
	mu    sync.Mutex
	p     *model.Punishment
	err   error
	loads atomic.Int32
}

func (f *fakeStore) set(p *model.Punishment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.p = p
}

func (f *fakeStore) LoadApplicable(_ context.Context, id uuid.UUID, a netip.Addr, typ model.PunishmentType) (*model.Punishment, error) {
	f.loads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if f.p == nil || f.p.Type != typ || !f.p.Victim.Matches(id, a) {
		return nil, nil
	}
	cp := *f.p
	return &cp, nil
}

func mute(id int64, end time.Time) *model.Punishment {
	return &model.Punishment{
		ID:     id,
		Type:   model.TypeMute,
		Victim: model.PlayerVictim(userID),
		Reason: "spam",
		Scope:  model.ScopeGlobal(),
		Start:  epoch,
		End:    end,
	}
}

func TestSelection_CachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.set(mute(1, time.Time{}))
	clk := clockwork.NewFakeClockAt(epoch)
	sel := NewSelection(store, time.Minute, clk)

	for range 5 {
		p, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, int64(1), p.ID)
	}
	assert.Equal(t, int32(1), store.loads.Load())

	clk.Advance(time.Minute)
	_, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	assert.Equal(t, int32(2), store.loads.Load(), "stale entry must be reloaded")
}

func TestSelection_CachesAbsence(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	sel := NewSelection(store, time.Minute, clockwork.NewFakeClockAt(epoch))

	for range 3 {
		p, err := sel.GetApplicable(ctx, userID, addr, model.TypeBan)
		require.NoError(t, err)
		assert.Nil(t, p)
	}
	assert.Equal(t, int32(1), store.loads.Load())
}

func TestSelection_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.set(mute(2, epoch.Add(10*time.Second)))
	clk := clockwork.NewFakeClockAt(epoch)
	sel := NewSelection(store, time.Hour, clk)

	p, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	require.NotNil(t, p)

	clk.Advance(10 * time.Second)
	p, err = sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	assert.Nil(t, p, "expired punishment must not be reported while still cached")
	assert.Equal(t, int32(1), store.loads.Load())
}

func TestSelection_InvalidateVictim(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.set(mute(3, time.Time{}))
	sel := NewSelection(store, time.Hour, clockwork.NewFakeClockAt(epoch))

	_, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	other := uuid.New()
	_, err = sel.GetApplicable(ctx, other, netip.MustParseAddr("198.51.100.1"), model.TypeMute)
	require.NoError(t, err)
	require.Equal(t, 2, sel.Len())

	store.set(nil)
	removed := sel.InvalidateVictim(model.AddressVictim(addr))
	assert.Equal(t, 1, removed)

	p, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSelection_InvalidatePunishment(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	store.set(mute(4, time.Time{}))
	sel := NewSelection(store, time.Hour, clockwork.NewFakeClockAt(epoch))

	_, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	_, err = sel.GetApplicable(ctx, userID, addr, model.TypeBan)
	require.NoError(t, err)

	assert.Equal(t, 0, sel.InvalidatePunishment(99))
	assert.Equal(t, 1, sel.InvalidatePunishment(4))
	assert.Equal(t, 1, sel.Len(), "cached absence of a ban stays")
}

// A revocation whose sync packet never arrives must stop applying within
// TTL plus one poll interval.
func TestSelection_ConsistencyBoundWithoutInvalidation(t *testing.T) {
	ctx := context.Background()
	const (
		ttl          = 30 * time.Second
		pollInterval = 2 * time.Second
	)
	store := &fakeStore{}
	store.set(mute(5, time.Time{}))
	clk := clockwork.NewFakeClockAt(epoch)
	sel := NewSelection(store, ttl, clk)

	p, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	require.NotNil(t, p)

	// Revoked elsewhere; no invalidation reaches this cache.
	store.set(nil)
	clk.Advance(ttl + pollInterval)

	p, err = sel.GetApplicable(ctx, userID, addr, model.TypeMute)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestSelection_ConcurrentLoadsCollapse(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	var loads atomic.Int32
	sel := NewSelection(LoaderFunc(func(context.Context, uuid.UUID, netip.Addr, model.PunishmentType) (*model.Punishment, error) {
		loads.Add(1)
		<-release
		return mute(6, time.Time{}), nil
	}), time.Minute, clockwork.NewFakeClockAt(epoch))

	const n = 16
	var wg sync.WaitGroup
	results := make(chan *model.Punishment, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
			assert.NoError(t, err)
			results <- p
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	for p := range results {
		require.NotNil(t, p)
		assert.Equal(t, int64(6), p.ID)
	}
	assert.Less(t, loads.Load(), int32(n))
}

func TestSelection_InvalidationDuringLoad(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{})
	release := make(chan struct{})
	sel := NewSelection(LoaderFunc(func(context.Context, uuid.UUID, netip.Addr, model.PunishmentType) (*model.Punishment, error) {
		close(entered)
		<-release
		return mute(7, time.Time{}), nil
	}), time.Minute, clockwork.NewFakeClockAt(epoch))

	done := make(chan *model.Punishment)
	go func() {
		p, _ := sel.GetApplicable(ctx, userID, addr, model.TypeMute)
		done <- p
	}()
	<-entered
	sel.InvalidateVictim(model.PlayerVictim(userID))
	close(release)

	assert.NotNil(t, <-done)
	assert.Equal(t, 0, sel.Len(), "result loaded before invalidation must not be cached")
}

func TestSelection_LoaderError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("db down")
	store := &fakeStore{err: boom}
	sel := NewSelection(store, time.Minute, clockwork.NewFakeClockAt(epoch))

	_, err := sel.GetApplicable(ctx, userID, addr, model.TypeBan)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, sel.Len())
}

func TestSelection_ZeroTTLDisablesCaching(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	sel := NewSelection(store, 0, clockwork.NewFakeClockAt(epoch))

	for range 3 {
		_, err := sel.GetApplicable(ctx, userID, addr, model.TypeBan)
		require.NoError(t, err)
	}
	sel.Put(userID, addr, model.TypeBan, nil)
	assert.Equal(t, int32(3), store.loads.Load())
	assert.Equal(t, 0, sel.Len())
}

func TestSelection_PutAndEvict(t *testing.T) {
	clk := clockwork.NewFakeClockAt(epoch)
	sel := NewSelection(&fakeStore{}, time.Minute, clk)

	sel.Put(userID, addr, model.TypeMute, mute(8, time.Time{}))
	p, err := sel.GetApplicable(context.Background(), userID, addr, model.TypeMute)
	require.NoError(t, err)
	require.NotNil(t, p)

	clk.Advance(30 * time.Second)
	assert.Equal(t, 0, sel.Evict())
	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, sel.Evict())
	assert.Equal(t, 0, sel.Len())
}

func TestSelection_PutAtDropsLoadsOverlappingInvalidation(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	sel := NewSelection(store, time.Minute, clockwork.NewFakeClockAt(epoch))

	ban := mute(9, time.Time{})
	ban.Type = model.TypeBan

	gen := sel.Generation()
	sel.InvalidateVictim(model.PlayerVictim(userID))
	assert.False(t, sel.PutAt(gen, userID, addr, model.TypeBan, ban))
	assert.Equal(t, 0, sel.Len())

	_, err := sel.GetApplicable(ctx, userID, addr, model.TypeBan)
	require.NoError(t, err)
	assert.Equal(t, int32(1), store.loads.Load(), "dropped entry must be reloaded")

	gen = sel.Generation()
	assert.True(t, sel.PutAt(gen, userID, addr, model.TypeBan, ban))
	p, err := sel.GetApplicable(ctx, userID, addr, model.TypeBan)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(9), p.ID)
}
