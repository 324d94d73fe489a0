package db

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/punishd/internal/model"
)

const selectPunishment = `
	SELECT p.id, p.type, p.victim_kind, p.victim_uuid, p.victim_address, p.operator,
	       p.reason, p.scope, p.start_at, p.end_at,
	       r.punishment_id IS NOT NULL, r.operator, COALESCE(r.reason, ''), r.revoked_at
	FROM punishments p
	LEFT JOIN revocations r ON r.punishment_id = p.id`

// PunishmentRepository stores punishments and their revocations.
type PunishmentRepository struct {
	pool *pgxpool.Pool
}

// NewPunishmentRepository creates a new PunishmentRepository.
func NewPunishmentRepository(pool *pgxpool.Pool) *PunishmentRepository {
	return &PunishmentRepository{pool: pool}
}

// Insert persists a draft starting at now and returns the stored punishment.
// For BAN and MUTE it fails with model.ErrAlreadyPunished when the victim
// already has an active punishment of the same type.
func (r *PunishmentRepository) Insert(ctx context.Context, d model.Draft, now time.Time) (*model.Punishment, error) {
	p := d.Materialize(0, now)
	kind, victimUUID, victimAddr := victimArgs(d.Victim)

	err := inTx(ctx, r.pool, "insert punishment", func(tx pgx.Tx) error {
		if d.Type.IsSingular() {
			if err := lockVictim(ctx, tx, d.Type, d.Victim); err != nil {
				return err
			}
			var exists bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (
				    SELECT 1 FROM punishments p
				    LEFT JOIN revocations r ON r.punishment_id = p.id
				    WHERE p.type = $1 AND `+exactVictim(2)+` AND `+activeAt(5)+`)`,
				int16(d.Type), kind, victimUUID, victimAddr, now,
			).Scan(&exists)
			if err != nil {
				return fmt.Errorf("checking active %s for %s: %w", d.Type, d.Victim, err)
			}
			if exists {
				return model.ErrAlreadyPunished
			}
		}

		err := tx.QueryRow(ctx,
			`INSERT INTO punishments
			    (type, victim_kind, victim_uuid, victim_address, operator, reason, scope, start_at, end_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			int16(d.Type), kind, victimUUID, victimAddr, operatorArg(d.Operator),
			d.Reason, d.Scope.String(), p.Start, timeArg(p.End),
		).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("inserting %s for %s: %w", d.Type, d.Victim, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns the punishment with the given id.
// Returns nil, nil if it does not exist.
func (r *PunishmentRepository) Get(ctx context.Context, id int64) (*model.Punishment, error) {
	p, err := scanPunishment(r.pool.QueryRow(ctx, selectPunishment+` WHERE p.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying punishment %d: %w", id, err)
	}
	return p, nil
}

// Revoke records a revocation of the punishment with the given id.
// Fails with model.ErrNotFound for unknown ids and model.ErrNotActive when the
// punishment was already revoked or has expired.
func (r *PunishmentRepository) Revoke(ctx context.Context, id int64, rev model.Revocation) (*model.Punishment, error) {
	var revoked *model.Punishment
	err := inTx(ctx, r.pool, "revoke punishment", func(tx pgx.Tx) error {
		p, err := scanPunishment(tx.QueryRow(ctx, selectPunishment+` WHERE p.id = $1 FOR UPDATE OF p`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading punishment %d: %w", id, err)
		}
		if p.IsRevoked() || p.IsExpired(rev.At) {
			return model.ErrNotActive
		}
		if err := insertRevocation(ctx, tx, p.ID, rev); err != nil {
			return err
		}
		p.Revocation = &rev
		revoked = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// RevokeActive revokes the newest unrevoked, unexpired punishment of typ held
// by exactly this victim. Fails with model.ErrNotFound when there is none.
func (r *PunishmentRepository) RevokeActive(ctx context.Context, typ model.PunishmentType, v model.Victim, rev model.Revocation) (*model.Punishment, error) {
	kind, victimUUID, victimAddr := victimArgs(v)

	var revoked *model.Punishment
	err := inTx(ctx, r.pool, "revoke active punishment", func(tx pgx.Tx) error {
		if err := lockVictim(ctx, tx, typ, v); err != nil {
			return err
		}
		p, err := scanPunishment(tx.QueryRow(ctx,
			selectPunishment+`
			WHERE p.type = $1 AND `+exactVictim(2)+` AND `+activeAt(5)+`
			ORDER BY p.start_at DESC, p.id DESC
			LIMIT 1
			FOR UPDATE OF p`,
			int16(typ), kind, victimUUID, victimAddr, rev.At,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading active %s for %s: %w", typ, v, err)
		}
		if err := insertRevocation(ctx, tx, p.ID, rev); err != nil {
			return err
		}
		p.Revocation = &rev
		revoked = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revoked, nil
}

// Expunge physically deletes a punishment and its revocation and returns what was deleted.
func (r *PunishmentRepository) Expunge(ctx context.Context, id int64) (*model.Punishment, error) {
	var deleted *model.Punishment
	err := inTx(ctx, r.pool, "expunge punishment", func(tx pgx.Tx) error {
		p, err := scanPunishment(tx.QueryRow(ctx, selectPunishment+` WHERE p.id = $1 FOR UPDATE OF p`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading punishment %d: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM punishments WHERE id = $1`, id); err != nil {
			return fmt.Errorf("deleting punishment %d: %w", id, err)
		}
		deleted = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

// Modify updates the reason, scope or end of a punishment.
func (r *PunishmentRepository) Modify(ctx context.Context, id int64, m model.Modification) (*model.Punishment, error) {
	var modified *model.Punishment
	err := inTx(ctx, r.pool, "modify punishment", func(tx pgx.Tx) error {
		p, err := scanPunishment(tx.QueryRow(ctx, selectPunishment+` WHERE p.id = $1 FOR UPDATE OF p`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("loading punishment %d: %w", id, err)
		}
		if m.Reason != nil {
			p.Reason = *m.Reason
		}
		if m.Scope != nil {
			p.Scope = *m.Scope
		}
		if m.End != nil {
			p.End = *m.End
		}
		_, err = tx.Exec(ctx,
			`UPDATE punishments SET reason = $2, scope = $3, end_at = $4 WHERE id = $1`,
			id, p.Reason, p.Scope.String(), timeArg(p.End),
		)
		if err != nil {
			return fmt.Errorf("updating punishment %d: %w", id, err)
		}
		modified = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return modified, nil
}

// SelectApplicable returns the newest active punishment of typ that applies to
// a user with the given uuid and address on a server with the given scopes.
// Returns nil, nil if there is none.
func (r *PunishmentRepository) SelectApplicable(ctx context.Context, id uuid.UUID, addr netip.Addr, typ model.PunishmentType, scopes model.ServerScopes, now time.Time) (*model.Punishment, error) {
	p, err := scanPunishment(r.pool.QueryRow(ctx,
		selectPunishment+`
		WHERE p.type = $1 AND `+matchingUser(2)+` AND `+activeAt(4)+` AND `+scopeIn(5)+`
		ORDER BY p.start_at DESC, p.id DESC
		LIMIT 1`,
		int16(typ), uuidArg(id), addrArg(addr), now, scopeStrings(scopes),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting applicable %s for %s/%s: %w", typ, id, addr, err)
	}
	return p, nil
}

// History returns every punishment matching the victim's uuid or address,
// newest first. A non-positive limit returns all of them.
func (r *PunishmentRepository) History(ctx context.Context, v model.Victim, limit int) ([]*model.Punishment, error) {
	var id uuid.UUID
	var addr netip.Addr
	if v.HasUUID() {
		id = v.UUID
	}
	if v.HasAddress() {
		addr = v.Address
	}
	rows, err := r.pool.Query(ctx,
		selectPunishment+`
		WHERE `+matchingUser(1)+`
		ORDER BY p.start_at DESC, p.id DESC
		LIMIT $3`,
		uuidArg(id), addrArg(addr), limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying history of %s: %w", v, err)
	}
	return collectPunishments(rows)
}

// Active returns active punishments of typ, newest first.
func (r *PunishmentRepository) Active(ctx context.Context, typ model.PunishmentType, now time.Time, limit int) ([]*model.Punishment, error) {
	rows, err := r.pool.Query(ctx,
		selectPunishment+`
		WHERE p.type = $1 AND `+activeAt(2)+`
		ORDER BY p.start_at DESC, p.id DESC
		LIMIT $3`,
		int16(typ), now, limitArg(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying active %s: %w", typ, err)
	}
	return collectPunishments(rows)
}

func insertRevocation(ctx context.Context, tx pgx.Tx, id int64, rev model.Revocation) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO revocations (punishment_id, operator, reason, revoked_at) VALUES ($1, $2, $3, $4)`,
		id, operatorArg(rev.Operator), rev.Reason, rev.At,
	)
	if err != nil {
		return fmt.Errorf("inserting revocation of %d: %w", id, err)
	}
	return nil
}

// lockVictim serializes writers touching the active punishment of one victim and type.
func lockVictim(ctx context.Context, tx pgx.Tx, typ model.PunishmentType, v model.Victim) error {
	key := fmt.Sprintf("punishment:%d:%s", typ, v.Key())
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return fmt.Errorf("locking %s: %w", key, err)
	}
	return nil
}

func collectPunishments(rows pgx.Rows) ([]*model.Punishment, error) {
	defer rows.Close()

	var out []*model.Punishment
	for rows.Next() {
		p, err := scanPunishment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning punishment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating punishments: %w", err)
	}
	return out, nil
}

func scanPunishment(row pgx.Row) (*model.Punishment, error) {
	var (
		p           model.Punishment
		typ, kind   int16
		victimUUID  *uuid.UUID
		victimAddr  *netip.Addr
		operator    *uuid.UUID
		scope       string
		end         *time.Time
		revoked     bool
		revOperator *uuid.UUID
		revReason   string
		revokedAt   *time.Time
	)
	err := row.Scan(
		&p.ID, &typ, &kind, &victimUUID, &victimAddr, &operator,
		&p.Reason, &scope, &p.Start, &end,
		&revoked, &revOperator, &revReason, &revokedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Type = model.PunishmentType(typ)
	p.Victim.Kind = model.VictimKind(kind)
	if victimUUID != nil {
		p.Victim.UUID = *victimUUID
	}
	if victimAddr != nil {
		p.Victim.Address = victimAddr.Unmap()
	}
	if operator != nil {
		p.Operator = model.PlayerOperator(*operator)
	}
	if p.Scope, err = model.ParseScope(scope); err != nil {
		return nil, fmt.Errorf("punishment %d: %w", p.ID, err)
	}
	if end != nil {
		p.End = *end
	}
	if revoked {
		p.Revocation = &model.Revocation{Reason: revReason}
		if revOperator != nil {
			p.Revocation.Operator = model.PlayerOperator(*revOperator)
		}
		if revokedAt != nil {
			p.Revocation.At = *revokedAt
		}
	}
	return &p, nil
}
