package punishment

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/punishd/internal/cache"
	"github.com/udisondev/punishd/internal/enforcement"
	"github.com/udisondev/punishd/internal/messenger"
	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/platform"
	"github.com/udisondev/punishd/internal/synchronizer"
	"github.com/udisondev/punishd/internal/testutil"
)

var (
	epoch    = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	victimID = uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	victimIP = netip.MustParseAddr("203.0.113.7")
	staffID  = uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e")
)

// node is one instance of the fleet sharing the store and the message log.
type node struct {
	registry *platform.Registry
	cache    *cache.Selection
	enforcer *enforcement.Enforcer
	sync     *synchronizer.Synchronizer
	service  *Service
}

// backend is the storage shared by every node of a cluster.
type backend interface {
	Store
	enforcement.Identities
}

type cluster struct {
	store  backend
	outbox messenger.Outbox
	clock  *clockwork.FakeClock
	memory *testutil.MemoryStore // nil when backed by PostgreSQL
}

func newCluster() *cluster {
	memory := testutil.NewMemoryStore()
	return &cluster{
		store:  memory,
		outbox: messenger.NewMemoryOutbox(),
		clock:  clockwork.NewFakeClockAt(epoch),
		memory: memory,
	}
}

func (c *cluster) node(t *testing.T, instance string, scopes model.ServerScopes) *node {
	t.Helper()

	reg := platform.NewRegistry()
	reg.SetConsole(nil)
	sel := cache.NewSelection(enforcement.NewLoader(c.store, scopes, c.clock), time.Minute, c.clock)
	e := enforcement.New(enforcement.Config{
		Platform:      reg,
		Punishments:   c.store,
		Identities:    c.store,
		Cache:         sel,
		Clock:         c.clock,
		Scopes:        scopes,
		MutedCommands: []string{"msg"},
	})
	reg.OnLeave(e.Disconnected)

	s := synchronizer.New(synchronizer.Config{
		Messenger:    messenger.NewOutboxMessenger(c.outbox, instance, c.clock),
		Handler:      enforcement.NewReceiver(e),
		Cache:        sel,
		PollInterval: 2 * time.Second,
		Retention:    10 * time.Minute,
		PruneEvery:   30,
	})
	require.NoError(t, s.Start(context.Background()))

	return &node{
		registry: reg,
		cache:    sel,
		enforcer: e,
		sync:     s,
		service:  NewService(c.store, e, sel, s, c.clock),
	}
}

// connect performs the login check and registers the session when allowed.
func (n *node) connect(t *testing.T, id uuid.UUID, name string, addr netip.Addr, perms ...string) (*platform.Session, *platform.RecordingConn) {
	t.Helper()
	ban, err := n.enforcer.ExecuteAndCheckConnection(context.Background(), id, name, addr)
	require.NoError(t, err)
	require.Nil(t, ban, "%s must be allowed to connect", name)

	conn := &platform.RecordingConn{}
	s := platform.NewSession(id, name, addr, conn, perms...)
	n.registry.Register(s)
	return s, conn
}

func (n *node) tick(t *testing.T) int {
	t.Helper()
	applied, err := n.sync.Tick(context.Background())
	require.NoError(t, err)
	return applied
}

func banDraft() model.Draft {
	return model.Draft{
		Type:     model.TypeBan,
		Victim:   model.PlayerVictim(victimID),
		Operator: model.PlayerOperator(staffID),
		Reason:   "cheating",
		Scope:    model.ScopeGlobal(),
	}
}

func TestService_BanPropagatesAcrossInstances(t *testing.T) {
	testBanPropagates(t, newCluster())
}

func testBanPropagates(t *testing.T, c *cluster) {
	ctx := context.Background()
	scopes := model.ServerScopes{Server: "survival"}
	a := c.node(t, "a", scopes)
	b := c.node(t, "b", scopes)

	victim, conn := b.connect(t, victimID, "Victim", victimIP)

	ban, err := a.service.Enact(ctx, banDraft(), model.BroadcastNormal)
	require.NoError(t, err)

	// Until b polls, its cached selection is still the one from login.
	c.clock.Advance(time.Second)
	got, err := b.service.GetApplicable(ctx, victimID, victimIP, model.TypeBan)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, victim.Closed())

	c.clock.Advance(4 * time.Second)
	assert.Equal(t, 1, b.tick(t))

	reason, closed := conn.Closed()
	require.True(t, closed, "victim must be kicked after the poll")
	assert.Contains(t, reason, "cheating")
	assert.Nil(t, b.registry.Get(victimID))

	denied, err := b.enforcer.ExecuteAndCheckConnection(ctx, victimID, "Victim", victimIP)
	require.NoError(t, err)
	require.NotNil(t, denied)
	assert.Equal(t, ban.ID, denied.ID)

	c.clock.Advance(5 * time.Second)
	_, err = a.service.Revoke(ctx, RevokeRequest{
		Type:     model.TypeBan,
		Victim:   model.PlayerVictim(victimID),
		Operator: model.PlayerOperator(staffID),
		Reason:   "appeal accepted",
	})
	require.NoError(t, err)

	c.clock.Advance(5 * time.Second)
	b.tick(t)

	got, err = b.service.GetApplicable(ctx, victimID, victimIP, model.TypeBan)
	require.NoError(t, err)
	assert.Nil(t, got, "cached ban must be dropped by the UNDO")
	b.connect(t, victimID, "Victim", victimIP)
}

func TestService_LocalAnnouncementIsNotRepeated(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	scopes := model.ServerScopes{Server: "survival"}
	a := c.node(t, "a", scopes)
	b := c.node(t, "b", scopes)

	_, staffA := a.connect(t, staffID, "Staff", netip.MustParseAddr("198.51.100.1"), enforcement.PermNotify)
	_, staffB := b.connect(t, uuid.New(), "OtherStaff", netip.MustParseAddr("198.51.100.2"), enforcement.PermNotify)
	_, conn := a.connect(t, victimID, "Victim", victimIP)

	_, err := a.service.Enact(ctx, banDraft(), model.BroadcastNormal)
	require.NoError(t, err)

	_, closed := conn.Closed()
	assert.True(t, closed, "local victim is kicked immediately")
	assert.Len(t, staffA.Messages(), 1)

	c.clock.Advance(2 * time.Second)
	a.tick(t)
	b.tick(t)

	assert.Len(t, staffA.Messages(), 1, "own packet must not be announced twice")
	assert.Len(t, staffB.Messages(), 1)
}

func TestService_KickEchoSparesReconnectedVictim(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	scopes := model.ServerScopes{Server: "survival"}
	a := c.node(t, "a", scopes)
	b := c.node(t, "b", scopes)

	_, first := a.connect(t, victimID, "Victim", victimIP)

	d := banDraft()
	d.Type = model.TypeKick
	_, err := a.service.Enact(ctx, d, model.BroadcastNone)
	require.NoError(t, err)

	reason, closed := first.Closed()
	require.True(t, closed)
	assert.Contains(t, reason, "cheating")

	_, again := a.connect(t, victimID, "Victim", victimIP)
	_, elsewhere := b.connect(t, uuid.New(), "Other", netip.MustParseAddr("198.51.100.9"))

	c.clock.Advance(2 * time.Second)
	a.tick(t)
	b.tick(t)
	a.tick(t)

	_, closed = again.Closed()
	assert.False(t, closed, "own kick packet must not kick the reconnected victim")
	_, closed = elsewhere.Closed()
	assert.False(t, closed)
	require.NotNil(t, a.registry.Get(victimID))
}

func TestService_SilentBroadcastReachesOnlySilentHolders(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	a := c.node(t, "a", model.ServerScopes{Server: "survival"})

	_, normal := a.connect(t, uuid.New(), "Mod", netip.MustParseAddr("198.51.100.1"), enforcement.PermNotify)
	_, silent := a.connect(t, uuid.New(), "Admin", netip.MustParseAddr("198.51.100.2"), enforcement.PermNotifySilent)

	_, err := a.service.Enact(ctx, banDraft(), model.BroadcastSilent)
	require.NoError(t, err)

	assert.Empty(t, normal.Messages())
	assert.Len(t, silent.Messages(), 1)
}

func TestService_MuteAndUnmute(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	scopes := model.ServerScopes{Server: "survival"}
	a := c.node(t, "a", scopes)
	b := c.node(t, "b", scopes)

	victim, conn := b.connect(t, victimID, "Victim", victimIP)

	d := banDraft()
	d.Type = model.TypeMute
	d.Duration = time.Hour
	d.Reason = "spam"
	mute, err := a.service.Enact(ctx, d, model.BroadcastNone)
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	require.Len(t, conn.Messages(), 1)
	assert.Contains(t, conn.Messages()[0], "spam")

	got, err := b.enforcer.CheckChat(ctx, victim)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, mute.ID, got.ID)

	blocked, err := b.enforcer.CheckCommand(ctx, victim, "/msg friend hi")
	require.NoError(t, err)
	assert.NotNil(t, blocked)

	_, err = a.service.Revoke(ctx, RevokeRequest{ID: mute.ID, Operator: model.ConsoleOperator()})
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	got, err = b.enforcer.CheckChat(ctx, victim)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Contains(t, conn.Messages(), "You are no longer muted.")
}

func TestService_ModifyPropagates(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	scopes := model.ServerScopes{Server: "survival"}
	a := c.node(t, "a", scopes)
	b := c.node(t, "b", scopes)

	victim, conn := b.connect(t, victimID, "Victim", victimIP)

	d := banDraft()
	d.Type = model.TypeMute
	d.Reason = "spam"
	mute, err := a.service.Enact(ctx, d, model.BroadcastNone)
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	reason := "flooding"
	_, err = a.service.Modify(ctx, mute.ID, model.Modification{Reason: &reason})
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	got, err := b.service.GetApplicable(ctx, victimID, victimIP, model.TypeMute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "flooding", got.Reason)
	assert.Len(t, conn.Messages(), 1, "a modification does not repeat the mute notice")

	// Shortening the end into the past lifts the mute everywhere.
	past := c.clock.Now().Add(-time.Second)
	_, err = a.service.Modify(ctx, mute.ID, model.Modification{End: &past})
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	got, err = b.enforcer.CheckChat(ctx, victim)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestService_ExpungePropagates(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	scopes := model.ServerScopes{Server: "survival"}
	a := c.node(t, "a", scopes)
	b := c.node(t, "b", scopes)

	victim, _ := b.connect(t, victimID, "Victim", victimIP)

	d := banDraft()
	d.Type = model.TypeMute
	mute, err := a.service.Enact(ctx, d, model.BroadcastNone)
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)
	got, err := b.enforcer.CheckChat(ctx, victim)
	require.NoError(t, err)
	require.NotNil(t, got)

	_, err = a.service.Expunge(ctx, mute.ID)
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	got, err = b.enforcer.CheckChat(ctx, victim)
	require.NoError(t, err)
	assert.Nil(t, got)

	stored, err := a.service.Get(ctx, mute.ID)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestService_ScopedBanIgnoredElsewhere(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	a := c.node(t, "a", model.ServerScopes{Server: "survival"})
	b := c.node(t, "b", model.ServerScopes{Server: "creative", Categories: []string{"build"}})

	_, conn := b.connect(t, victimID, "Victim", victimIP)

	d := banDraft()
	d.Scope = model.ScopeServer("survival")
	_, err := a.service.Enact(ctx, d, model.BroadcastNone)
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	_, closed := conn.Closed()
	assert.False(t, closed)

	d.Type = model.TypeKick
	d.Scope = model.ScopeCategory("build")
	_, err = a.service.Enact(ctx, d, model.BroadcastNone)
	require.NoError(t, err)

	c.clock.Advance(2 * time.Second)
	b.tick(t)

	_, closed = conn.Closed()
	assert.True(t, closed)
}

func TestService_Errors(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	a := c.node(t, "a", model.ServerScopes{Server: "survival"})

	t.Run("already punished", func(t *testing.T) {
		_, err := a.service.Enact(ctx, banDraft(), model.BroadcastNone)
		require.NoError(t, err)
		_, err = a.service.Enact(ctx, banDraft(), model.BroadcastNone)
		assert.ErrorIs(t, err, ErrAlreadyPunished)
	})

	t.Run("invalid draft", func(t *testing.T) {
		d := banDraft()
		d.Victim = model.Victim{Kind: model.VictimPlayer}
		_, err := a.service.Enact(ctx, d, model.BroadcastNone)
		assert.ErrorIs(t, err, ErrInvalidDraft)
	})

	t.Run("kick is not revocable", func(t *testing.T) {
		d := banDraft()
		d.Type = model.TypeKick
		kick, err := a.service.Enact(ctx, d, model.BroadcastNone)
		require.NoError(t, err)

		_, err = a.service.Revoke(ctx, RevokeRequest{ID: kick.ID})
		assert.ErrorIs(t, err, ErrNotRevocable)
		_, err = a.service.Revoke(ctx, RevokeRequest{Type: model.TypeKick, Victim: d.Victim})
		assert.ErrorIs(t, err, ErrNotRevocable)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := a.service.Revoke(ctx, RevokeRequest{ID: 999})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = a.service.Expunge(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = a.service.Modify(ctx, 999, model.Modification{Reason: new(string)})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("revoked twice", func(t *testing.T) {
		d := banDraft()
		d.Type = model.TypeMute
		mute, err := a.service.Enact(ctx, d, model.BroadcastNone)
		require.NoError(t, err)

		_, err = a.service.Revoke(ctx, RevokeRequest{ID: mute.ID})
		require.NoError(t, err)
		_, err = a.service.Revoke(ctx, RevokeRequest{ID: mute.ID})
		assert.ErrorIs(t, err, ErrNotActive)
	})

	t.Run("empty modification", func(t *testing.T) {
		_, err := a.service.Modify(ctx, 1, model.Modification{})
		assert.ErrorIs(t, err, ErrInvalidDraft)
	})

	t.Run("storage failure", func(t *testing.T) {
		c.memory.SetError(testutil.ErrSimulated)
		defer c.memory.SetError(nil)

		d := banDraft()
		d.Victim = model.PlayerVictim(uuid.New())
		_, err := a.service.Enact(ctx, d, model.BroadcastNone)
		assert.ErrorIs(t, err, testutil.ErrSimulated)
	})
}

func TestService_HistoryAndActive(t *testing.T) {
	ctx := context.Background()
	c := newCluster()
	a := c.node(t, "a", model.ServerScopes{Server: "survival"})

	d := banDraft()
	d.Type = model.TypeWarn
	_, err := a.service.Enact(ctx, d, model.BroadcastNone)
	require.NoError(t, err)

	c.clock.Advance(time.Minute)
	ban, err := a.service.Enact(ctx, banDraft(), model.BroadcastNone)
	require.NoError(t, err)

	history, err := a.service.History(ctx, model.PlayerVictim(victimID), 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ban.ID, history[0].ID)

	active, err := a.service.Active(ctx, model.TypeBan, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ban.ID, active[0].ID)
}
