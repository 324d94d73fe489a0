package enforcement

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/testutil"
)

func (f *fixture) enact(t *testing.T, d model.Draft) *model.Punishment {
	t.Helper()
	p, err := f.store.Insert(context.Background(), d, f.clock.Now())
	require.NoError(t, err)
	return p
}

func TestEnforce_BanKicksMatchingUsersOnce(t *testing.T) {
	f := newFixture()
	victim := f.platform.join("Steve", "203.0.113.1")
	bystander := f.platform.join("Alex", "203.0.113.2")

	ban := f.enact(t, model.Draft{Type: model.TypeBan, Victim: model.PlayerVictim(victim.id), Reason: "griefing"})

	assert.Equal(t, 1, f.enforcer.Enforce(ban))
	assert.Equal(t, 0, f.enforcer.Enforce(ban), "second enforce finds nobody left to kick")

	require.Len(t, victim.kicked(), 1)
	assert.Contains(t, victim.kicked()[0], "griefing")
	assert.False(t, f.platform.online(victim))
	assert.True(t, f.platform.online(bystander))
	assert.Empty(t, bystander.kicked())
}

func TestEnforce_AddressBanKicksEveryoneOnAddress(t *testing.T) {
	f := newFixture()
	a := f.platform.join("A", "198.51.100.7")
	b := f.platform.join("B", "198.51.100.7")
	c := f.platform.join("C", "198.51.100.8")

	ban := f.enact(t, model.Draft{Type: model.TypeBan, Victim: model.AddressVictim(netip.MustParseAddr("198.51.100.7"))})

	assert.Equal(t, 2, f.enforcer.Enforce(ban))
	assert.NotEmpty(t, a.kicked())
	assert.NotEmpty(t, b.kicked())
	assert.Empty(t, c.kicked())
}

func TestEnforce_MuteIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.platform.join("Steve", "203.0.113.1")

	mute := f.enact(t, model.Draft{Type: model.TypeMute, Victim: model.PlayerVictim(u.id), Reason: "spam", Duration: time.Hour})

	f.enforcer.Enforce(mute)
	f.enforcer.Enforce(mute)

	assert.Len(t, u.received(), 1, "mute notice is sent once")
	assert.Empty(t, u.kicked())

	got, err := f.enforcer.CheckChat(ctx, u)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, mute.ID, got.ID)
}

func TestEnforce_WarnNotifiesOnce(t *testing.T) {
	f := newFixture()
	u := f.platform.join("Steve", "203.0.113.1")

	warn := f.enact(t, model.Draft{Type: model.TypeWarn, Victim: model.PlayerVictim(u.id), Reason: "language"})

	assert.Equal(t, 1, f.enforcer.Enforce(warn))
	assert.Equal(t, 0, f.enforcer.Enforce(warn))
	require.Len(t, u.received(), 1)
	assert.Contains(t, u.received()[0], "language")
}

func TestEnforce_KickAppliedOncePerInstance(t *testing.T) {
	f := newFixture()
	u := f.platform.join("Steve", "203.0.113.1")

	kick := f.enact(t, model.Draft{Type: model.TypeKick, Victim: model.PlayerVictim(u.id), Reason: "cheating"})
	assert.Equal(t, 1, f.enforcer.Enforce(kick))

	// The victim reconnects before the kick comes back through synchronization.
	back := f.platform.rejoin(u)
	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 0, f.enforcer.Enforce(kick))
	assert.Empty(t, back.kicked())
	assert.True(t, f.platform.online(back))

	// Forgotten ids are applied again.
	f.enforcer.Forget(kick.ID)
	assert.Equal(t, 1, f.enforcer.Enforce(kick))
}

func TestEnforce_InstantRecordExpires(t *testing.T) {
	f := newFixture()
	u := f.platform.join("Steve", "203.0.113.1")

	warn := f.enact(t, model.Draft{Type: model.TypeWarn, Victim: model.PlayerVictim(u.id)})
	f.enforcer.Enforce(warn)

	f.clock.Advance(recentTTL + time.Second)
	f.enforcer.Disconnected(u.id)
	assert.Equal(t, 1, f.enforcer.Enforce(warn))
	assert.Len(t, u.received(), 2)
}

func TestEnforce_IgnoresInactiveAndOutOfScope(t *testing.T) {
	f := newFixture()
	u := f.platform.join("Steve", "203.0.113.1")

	elsewhere := f.enact(t, model.Draft{Type: model.TypeBan, Victim: model.PlayerVictim(u.id), Scope: model.ScopeServer("survival")})
	assert.Equal(t, 0, f.enforcer.Enforce(elsewhere))

	expired := &model.Punishment{ID: 99, Type: model.TypeBan, Victim: model.PlayerVictim(u.id), Start: epoch.Add(-time.Hour), End: epoch}
	assert.Equal(t, 0, f.enforcer.Enforce(expired))

	revoked := &model.Punishment{ID: 100, Type: model.TypeMute, Victim: model.PlayerVictim(u.id), Start: epoch, Revocation: &model.Revocation{At: epoch}}
	assert.Equal(t, 0, f.enforcer.Enforce(revoked))

	inCategory := f.enact(t, model.Draft{Type: model.TypeKick, Victim: model.PlayerVictim(u.id), Scope: model.ScopeCategory("hub")})
	assert.Equal(t, 1, f.enforcer.Enforce(inCategory))
	assert.Len(t, u.kicked(), 1)
}

func TestUnenforce_Mute(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.platform.join("Steve", "203.0.113.1")

	mute := f.enact(t, model.Draft{Type: model.TypeMute, Victim: model.PlayerVictim(u.id)})
	f.enforcer.Enforce(mute)

	revoked, err := f.store.Revoke(ctx, mute.ID, model.Revocation{At: f.clock.Now()})
	require.NoError(t, err)

	assert.Equal(t, 1, f.enforcer.Unenforce(revoked))
	f.enforcer.Unenforce(revoked)
	assert.Len(t, u.received(), 2, "one mute notice and one unmute notice")

	got, err := f.enforcer.CheckChat(ctx, u)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExecuteAndCheckConnection(t *testing.T) {
	ctx := context.Background()
	id := uuid.New()
	addr := netip.MustParseAddr("203.0.113.9")

	t.Run("clean user is admitted and recorded", func(t *testing.T) {
		f := newFixture()
		ban, err := f.enforcer.ExecuteAndCheckConnection(ctx, id, "Alice", addr)
		require.NoError(t, err)
		assert.Nil(t, ban)

		name, ok, err := f.store.LatestName(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "Alice", name)
	})

	t.Run("banned address is refused", func(t *testing.T) {
		f := newFixture()
		p := f.enact(t, model.Draft{Type: model.TypeBan, Victim: model.AddressVictim(addr), Reason: "bots"})

		ban, err := f.enforcer.ExecuteAndCheckConnection(ctx, id, "Alice", netip.AddrFrom16(addr.As16()))
		require.NoError(t, err)
		require.NotNil(t, ban)
		assert.Equal(t, p.ID, ban.ID)
		assert.Contains(t, f.enforcer.DenyMessage(ban), "bots")
	})

	t.Run("revoked ban no longer refuses even when cached", func(t *testing.T) {
		f := newFixture()
		p := f.enact(t, model.Draft{Type: model.TypeBan, Victim: model.PlayerVictim(id)})

		ban, err := f.enforcer.ExecuteAndCheckConnection(ctx, id, "Alice", addr)
		require.NoError(t, err)
		require.NotNil(t, ban)

		_, err = f.store.Revoke(ctx, p.ID, model.Revocation{At: f.clock.Now()})
		require.NoError(t, err)

		ban, err = f.enforcer.ExecuteAndCheckConnection(ctx, id, "Alice", addr)
		require.NoError(t, err)
		assert.Nil(t, ban)
	})

	t.Run("store failure is reported", func(t *testing.T) {
		f := newFixture()
		f.store.SetError(testutil.ErrSimulated)

		_, err := f.enforcer.ExecuteAndCheckConnection(ctx, id, "Alice", addr)
		assert.ErrorIs(t, err, testutil.ErrSimulated)
	})
}

func TestCheckCommand(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	u := f.platform.join("Steve", "203.0.113.1")
	f.enact(t, model.Draft{Type: model.TypeMute, Victim: model.PlayerVictim(u.id)})

	tests := []struct {
		command string
		blocked bool
	}{
		{"/msg Alex hi", true},
		{"/ME waves", true},
		{"/essentials:msg Alex hi", true},
		{"/spawn", false},
		{"/message", false},
	}

	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			p, err := f.enforcer.CheckCommand(ctx, u, tt.command)
			require.NoError(t, err)
			assert.Equal(t, tt.blocked, p != nil)
		})
	}
}

func TestAnnounce_PermissionPerPolicy(t *testing.T) {
	f := newFixture()
	p := &model.Punishment{ID: 5, Type: model.TypeBan, Victim: model.PlayerVictim(uuid.New()), Operator: model.PlayerOperator(staffID), Reason: "hacks"}

	f.enforcer.Announce(p, model.ModeDo, model.BroadcastNone)
	f.enforcer.Announce(p, model.ModeDo, model.BroadcastNormal)
	f.enforcer.Announce(p, model.ModeDo, model.BroadcastSilent)

	sent := f.platform.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, PermNotify, sent[0].perm)
	assert.Equal(t, PermNotifySilent, sent[1].perm)
	assert.Contains(t, sent[0].msg, "hacks")
	assert.Contains(t, sent[0].msg, staffID.String())
}

func TestDisconnectedResetsNotices(t *testing.T) {
	f := newFixture()
	u := f.platform.join("Steve", "203.0.113.1")
	mute := f.enact(t, model.Draft{Type: model.TypeMute, Victim: model.PlayerVictim(u.id)})

	f.enforcer.Enforce(mute)
	f.enforcer.Disconnected(u.id)
	f.enforcer.Enforce(mute)

	assert.Len(t, u.received(), 2)
}

func TestDisconnectedKeepsWarnApplied(t *testing.T) {
	f := newFixture()
	u := f.platform.join("Steve", "203.0.113.1")
	warn := f.enact(t, model.Draft{Type: model.TypeWarn, Victim: model.PlayerVictim(u.id)})

	f.enforcer.Enforce(warn)
	f.enforcer.Disconnected(u.id)
	f.enforcer.Enforce(warn)

	assert.Len(t, u.received(), 1)
}
