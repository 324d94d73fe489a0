// Package identity resolves players between UUIDs, names and addresses using
// the login history recorded at connection time.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/udisondev/punishd/internal/model"
)

// ErrUnknownPlayer is returned when no login matches the lookup.
var ErrUnknownPlayer = errors.New("unknown player")

// Store reads recorded logins. Implemented by db.IdentityRepository.
type Store interface {
	LatestName(ctx context.Context, id uuid.UUID) (string, bool, error)
	LatestUUID(ctx context.Context, name string) (uuid.UUID, bool, error)
	LatestAddress(ctx context.Context, id uuid.UUID) (netip.Addr, bool, error)
	Logins(ctx context.Context, id uuid.UUID) ([]model.UserIdentity, error)
}

// Resolver answers identity lookups.
type Resolver struct {
	store Store
}

// NewResolver creates a Resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// LookupName returns the latest name used by the player.
func (r *Resolver) LookupName(ctx context.Context, id uuid.UUID) (string, error) {
	name, ok, err := r.store.LatestName(ctx, id)
	if err != nil {
		return "", fmt.Errorf("looking up name of %s: %w", id, err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlayer, id)
	}
	return name, nil
}

// LookupUUID returns the player who most recently used name. Names are
// compared case-insensitively and include names the player no longer uses.
func (r *Resolver) LookupUUID(ctx context.Context, name string) (uuid.UUID, error) {
	id, ok, err := r.store.LatestUUID(ctx, name)
	if err != nil {
		return uuid.Nil, fmt.Errorf("looking up uuid of %q: %w", name, err)
	}
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownPlayer, name)
	}
	return id, nil
}

// LookupAddress returns the address the owner of name connected from most recently.
func (r *Resolver) LookupAddress(ctx context.Context, name string) (netip.Addr, error) {
	id, err := r.LookupUUID(ctx, name)
	if err != nil {
		return netip.Addr{}, err
	}
	return r.AddressOf(ctx, id)
}

// AddressOf returns the address the player connected from most recently.
func (r *Resolver) AddressOf(ctx context.Context, id uuid.UUID) (netip.Addr, error) {
	addr, ok, err := r.store.LatestAddress(ctx, id)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("looking up address of %s: %w", id, err)
	}
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: no address recorded for %s", ErrUnknownPlayer, id)
	}
	return addr, nil
}

// LookupVictim parses target as a UUID, an IP address or a player name.
func (r *Resolver) LookupVictim(ctx context.Context, target string) (model.Victim, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return model.Victim{}, errors.New("empty target")
	}
	if id, err := uuid.Parse(target); err == nil {
		return model.PlayerVictim(id), nil
	}
	if addr, err := netip.ParseAddr(target); err == nil {
		return model.AddressVictim(addr), nil
	}
	id, err := r.LookupUUID(ctx, target)
	if err != nil {
		return model.Victim{}, err
	}
	return model.PlayerVictim(id), nil
}

// LookupComposite resolves a UUID or player name into a victim covering the
// player and their latest address.
func (r *Resolver) LookupComposite(ctx context.Context, target string) (model.Victim, error) {
	v, err := r.LookupVictim(ctx, target)
	if err != nil {
		return model.Victim{}, err
	}
	if !v.HasUUID() {
		return model.Victim{}, fmt.Errorf("%q is not a player", target)
	}
	addr, err := r.AddressOf(ctx, v.UUID)
	if err != nil {
		return model.Victim{}, err
	}
	return model.CompositeVictim(v.UUID, addr), nil
}

// Describe renders a victim using the player's latest name when known.
func (r *Resolver) Describe(ctx context.Context, v model.Victim) string {
	if !v.HasUUID() {
		return v.Address.String()
	}
	name, err := r.LookupName(ctx, v.UUID)
	if err != nil {
		name = v.UUID.String()
	}
	if v.Kind == model.VictimComposite {
		return name + "/" + v.Address.String()
	}
	return name
}

// Logins returns the recorded names and addresses of the player, newest first.
func (r *Resolver) Logins(ctx context.Context, id uuid.UUID) ([]model.UserIdentity, error) {
	logins, err := r.store.Logins(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing logins of %s: %w", id, err)
	}
	return logins, nil
}
