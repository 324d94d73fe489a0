package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/udisondev/punishd/internal/messenger"
)

// appendLockKey serializes appends so sequence numbers commit in order, a
// poller never skips a row whose transaction committed late, and stamps never
// decrease along seq.
const appendLockKey = 0x70756e697368

// MessageRepository is the SQL sync outbox shared by all instances.
type MessageRepository struct {
	pool *pgxpool.Pool
}

var _ messenger.Outbox = (*MessageRepository)(nil)

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func (r *MessageRepository) Append(ctx context.Context, at int64, payload []byte) (messenger.Position, error) {
	var pos messenger.Position
	err := inTx(ctx, r.pool, "append sync message", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(appendLockKey)); err != nil {
			return fmt.Errorf("locking sync log: %w", err)
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO messages (stamped_at, payload)
			 SELECT GREATEST($1::BIGINT, COALESCE(MAX(stamped_at), 0)), $2 FROM messages
			 RETURNING stamped_at, seq`,
			at, payload,
		).Scan(&pos.Time, &pos.Seq)
		if err != nil {
			return fmt.Errorf("inserting sync message: %w", err)
		}
		return nil
	})
	if err != nil {
		return messenger.Position{}, err
	}
	return pos, nil
}

func (r *MessageRepository) Consume(ctx context.Context, instance string, after messenger.Position) ([]messenger.Envelope, error) {
	var envs []messenger.Envelope
	err := inTx(ctx, r.pool, "consume sync messages", func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`SELECT stamped_at, seq, payload FROM messages
			 WHERE seq > $1
			 ORDER BY seq`,
			after.Seq,
		)
		if err != nil {
			return fmt.Errorf("querying sync messages: %w", err)
		}
		envs, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (messenger.Envelope, error) {
			var env messenger.Envelope
			err := row.Scan(&env.Time, &env.Seq, &env.Payload)
			return env, err
		})
		if err != nil {
			return fmt.Errorf("scanning sync messages: %w", err)
		}
		if len(envs) == 0 {
			return nil
		}
		return storeCursor(ctx, tx, instance, envs[len(envs)-1].Position)
	})
	if err != nil {
		return nil, err
	}
	return envs, nil
}

func (r *MessageRepository) Head(ctx context.Context) (messenger.Position, error) {
	var pos messenger.Position
	err := r.pool.QueryRow(ctx,
		`SELECT stamped_at, seq FROM messages ORDER BY seq DESC LIMIT 1`,
	).Scan(&pos.Time, &pos.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return messenger.Position{}, nil
	}
	if err != nil {
		return messenger.Position{}, fmt.Errorf("querying sync log head: %w", err)
	}
	return pos, nil
}

func (r *MessageRepository) Prune(ctx context.Context, before int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM messages WHERE stamped_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pruning sync messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *MessageRepository) Cursor(ctx context.Context, instance string) (messenger.Position, bool, error) {
	var pos messenger.Position
	err := r.pool.QueryRow(ctx,
		`SELECT stamped_at, seq FROM sync_cursors WHERE instance = $1`, instance,
	).Scan(&pos.Time, &pos.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return messenger.Position{}, false, nil
	}
	if err != nil {
		return messenger.Position{}, false, fmt.Errorf("querying sync cursor of %s: %w", instance, err)
	}
	return pos, true, nil
}

func (r *MessageRepository) StoreCursor(ctx context.Context, instance string, pos messenger.Position) error {
	return storeCursor(ctx, r.pool, instance, pos)
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func storeCursor(ctx context.Context, db execer, instance string, pos messenger.Position) error {
	_, err := db.Exec(ctx,
		`INSERT INTO sync_cursors (instance, stamped_at, seq, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (instance) DO UPDATE
		 SET stamped_at = EXCLUDED.stamped_at, seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`,
		instance, pos.Time, pos.Seq,
	)
	if err != nil {
		return fmt.Errorf("storing sync cursor of %s: %w", instance, err)
	}
	return nil
}
