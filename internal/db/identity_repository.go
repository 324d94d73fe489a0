package db

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/punishd/internal/model"
)

// IdentityRepository keeps the name and address history of players.
type IdentityRepository struct {
	pool *pgxpool.Pool
}

// NewIdentityRepository creates a new IdentityRepository.
func NewIdentityRepository(pool *pgxpool.Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

// RecordLogin associates name and addr with the player at time at.
// An invalid addr only records the name.
func (r *IdentityRepository) RecordLogin(ctx context.Context, id uuid.UUID, name string, addr netip.Addr, at time.Time) error {
	return inTx(ctx, r.pool, "record login", func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO names (uuid, name, name_lower, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (uuid, name_lower) DO UPDATE SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at`,
			id, name, strings.ToLower(name), at,
		)
		if err != nil {
			return fmt.Errorf("recording name %q for %s: %w", name, id, err)
		}
		if !addr.IsValid() {
			return nil
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO addresses (uuid, address, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (uuid, address) DO UPDATE SET updated_at = EXCLUDED.updated_at`,
			id, addr.Unmap(), at,
		)
		if err != nil {
			return fmt.Errorf("recording address %s for %s: %w", addr, id, err)
		}
		return nil
	})
}

// LatestName returns the most recent name of the player.
func (r *IdentityRepository) LatestName(ctx context.Context, id uuid.UUID) (string, bool, error) {
	var name string
	err := r.pool.QueryRow(ctx,
		`SELECT name FROM names WHERE uuid = $1 ORDER BY updated_at DESC LIMIT 1`, id,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("querying latest name of %s: %w", id, err)
	}
	return name, true, nil
}

// LatestUUID returns the player who most recently used name, case-insensitively.
func (r *IdentityRepository) LatestUUID(ctx context.Context, name string) (uuid.UUID, bool, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT uuid FROM names WHERE name_lower = $1 ORDER BY updated_at DESC LIMIT 1`,
		strings.ToLower(name),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("querying owner of name %q: %w", name, err)
	}
	return id, true, nil
}

// LatestAddress returns the address the player most recently connected from.
func (r *IdentityRepository) LatestAddress(ctx context.Context, id uuid.UUID) (netip.Addr, bool, error) {
	var addr netip.Addr
	err := r.pool.QueryRow(ctx,
		`SELECT address FROM addresses WHERE uuid = $1 ORDER BY updated_at DESC LIMIT 1`, id,
	).Scan(&addr)
	if errors.Is(err, pgx.ErrNoRows) {
		return netip.Addr{}, false, nil
	}
	if err != nil {
		return netip.Addr{}, false, fmt.Errorf("querying latest address of %s: %w", id, err)
	}
	return addr.Unmap(), true, nil
}

// Logins returns every recorded name and address of the player, newest first.
func (r *IdentityRepository) Logins(ctx context.Context, id uuid.UUID) ([]model.UserIdentity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT uuid, name, NULL::inet, updated_at FROM names WHERE uuid = $1
		 UNION ALL
		 SELECT uuid, '', address, updated_at FROM addresses WHERE uuid = $1
		 ORDER BY 4 DESC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("querying identity history of %s: %w", id, err)
	}
	defer rows.Close()

	var out []model.UserIdentity
	for rows.Next() {
		var (
			ui   model.UserIdentity
			addr *netip.Addr
		)
		if err := rows.Scan(&ui.UUID, &ui.Name, &addr, &ui.At); err != nil {
			return nil, fmt.Errorf("scanning identity of %s: %w", id, err)
		}
		if addr != nil {
			ui.Address = addr.Unmap()
		}
		out = append(out, ui)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating identity history of %s: %w", id, err)
	}
	return out, nil
}
