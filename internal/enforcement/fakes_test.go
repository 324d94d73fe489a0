package enforcement

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/udisondev/punishd/internal/cache"
	"github.com/udisondev/punishd/internal/model"
	"github.com/udisondev/punishd/internal/testutil"
)

var (
	epoch   = time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC)
	lobby   = model.ServerScopes{Server: "lobby", Categories: []string{"hub"}}
	staffID = uuid.MustParse("11111111-2222-4333-8444-555555555555")
)

type broadcast struct {
	msg  string
	perm string
}

type fakePlatform struct {
	mu         sync.Mutex
	users      []*fakeUser
	broadcasts []broadcast
}

func (p *fakePlatform) join(name, addr string) *fakeUser {
	u := &fakeUser{
		id:       uuid.New(),
		name:     name,
		addr:     netip.MustParseAddr(addr),
		platform: p,
	}
	p.mu.Lock()
	p.users = append(p.users, u)
	p.mu.Unlock()
	return u
}

// rejoin connects a new session for the same player and address.
func (p *fakePlatform) rejoin(old *fakeUser) *fakeUser {
	u := &fakeUser{id: old.id, name: old.name, addr: old.addr, platform: p}
	p.mu.Lock()
	p.users = append(p.users, u)
	p.mu.Unlock()
	return u
}

func (p *fakePlatform) OnlineUsers() []OnlineUser {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OnlineUser, len(p.users))
	for i, u := range p.users {
		out[i] = u
	}
	return out
}

func (p *fakePlatform) Broadcast(msg, perm string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.broadcasts = append(p.broadcasts, broadcast{msg: msg, perm: perm})
}

func (p *fakePlatform) sent() []broadcast {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.broadcasts)
}

func (p *fakePlatform) online(u *fakeUser) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Contains(p.users, u)
}

type fakeUser struct {
	id       uuid.UUID
	name     string
	addr     netip.Addr
	platform *fakePlatform

	mu       sync.Mutex
	messages []string
	kicks    []string
}

func (u *fakeUser) UUID() uuid.UUID { return u.id }
func (u *fakeUser) Name() string { return u.name }
func (u *fakeUser) Address() netip.Addr { return u.addr }
func (u *fakeUser) HasPermission(string) bool { return false }

func (u *fakeUser) SendMessage(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.messages = append(u.messages, msg)
}

func (u *fakeUser) Kick(msg string) {
	u.mu.Lock()
	u.kicks = append(u.kicks, msg)
	u.mu.Unlock()

	p := u.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = slices.DeleteFunc(p.users, func(o *fakeUser) bool { return o == u })
}

func (u *fakeUser) received() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.messages)
}

func (u *fakeUser) kicked() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return slices.Clone(u.kicks)
}

type fixture struct {
	store    *testutil.MemoryStore
	platform *fakePlatform
	clock    *clockwork.FakeClock
	cache    *cache.Selection
	enforcer *Enforcer
	receiver *Receiver
}

func newFixture() *fixture {
	store := testutil.NewMemoryStore()
	clk := clockwork.NewFakeClockAt(epoch)
	sel := cache.NewSelection(NewLoader(store, lobby, clk), time.Minute, clk)
	platform := &fakePlatform{}
	e := New(Config{
		Platform:      platform,
		Punishments:   store,
		Identities:    store,
		Cache:         sel,
		Clock:         clk,
		Scopes:        lobby,
		MutedCommands: []string{"msg", "me"},
	})
	return &fixture{
		store:    store,
		platform: platform,
		clock:    clk,
		cache:    sel,
		enforcer: e,
		receiver: NewReceiver(e),
	}
}
