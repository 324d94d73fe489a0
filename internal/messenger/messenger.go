// Package messenger delivers encoded synchronization messages between instances
// sharing one database or bus.
//
// Delivery is at least once. The durable log assigns every message a strictly
// increasing sequence number and cursors compare by it alone, so a peer with a
// lagging clock cannot append behind a cursor. Stamps never decrease along the
// log; they only drive pruning.
package messenger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPollInFlight is returned when Poll is called before the previous Poll returned.
	ErrPollInFlight = errors.New("poll already in flight")
	// ErrClosed is returned by messengers used after Close.
	ErrClosed = errors.New("messenger closed")
)

// Messenger is the transport contract used by the synchronizer.
type Messenger interface {
	// Dispatch durably appends payload for all instances.
	Dispatch(ctx context.Context, payload []byte) error
	// Poll returns every message dispatched after the cursor, oldest first,
	// and advances the cursor past them.
	Poll(ctx context.Context) ([][]byte, error)
	// SetInitialTimestamp restores the persisted cursor, or starts at the
	// current end of the log when this instance has never polled.
	SetInitialTimestamp(ctx context.Context) error
	// ResetLastTimestamp moves the cursor to the current end of the log.
	ResetLastTimestamp(ctx context.Context) error
}

// Pruner is implemented by messengers whose log must be trimmed by the application.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Position locates a message in the log. Seq orders messages; Time is the
// stamp in unix milliseconds, never lower than the stamp of an earlier Seq.
type Position struct {
	Time int64
	Seq  int64
}

// After reports whether p is strictly later than o.
func (p Position) After(o Position) bool {
	return p.Seq > o.Seq
}

// IsZero reports whether p is the start of the log.
func (p Position) IsZero() bool {
	return p.Time == 0 && p.Seq == 0
}

// Envelope is a stored message with its log position.
type Envelope struct {
	Position
	Payload []byte
}

// CursorStore persists per-instance cursors.
type CursorStore interface {
	Cursor(ctx context.Context, instance string) (Position, bool, error)
	StoreCursor(ctx context.Context, instance string, pos Position) error
}

// Outbox is a durable, ordered message log shared by all instances.
type Outbox interface {
	CursorStore
	// Append stores payload and assigns the next sequence number. The stored
	// stamp is at (unix ms) raised to the stamp of the current head.
	Append(ctx context.Context, at int64, payload []byte) (Position, error)
	// Consume returns all messages after the given position in order and, in
	// the same transaction, stores the last returned position as the instance cursor.
	Consume(ctx context.Context, instance string, after Position) ([]Envelope, error)
	// Head returns the position of the newest message, or the zero Position.
	Head(ctx context.Context) (Position, error)
	// Prune deletes messages stamped before the given time (unix ms).
	Prune(ctx context.Context, before int64) (int64, error)
}

// Noop is a Messenger for single-instance deployments.
type Noop struct{}

func (Noop) Dispatch(context.Context, []byte) error { return nil }
func (Noop) Poll(context.Context) ([][]byte, error) { return nil, nil }
func (Noop) SetInitialTimestamp(context.Context) error { return nil }
func (Noop) ResetLastTimestamp(context.Context) error { return nil }
