package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// OutboxMessenger implements Messenger on top of a shared Outbox (a SQL table
// or MemoryOutbox). Its cursor is owned exclusively by this messenger.
type OutboxMessenger struct {
	outbox   Outbox
	instance string
	clock    clockwork.Clock

	// dispatchMu serializes dispatches so stamps and tiebreakers of one
	// instance increase together.
	dispatchMu sync.Mutex
	lastStamp  int64

	polling  atomic.Bool
	cursorMu sync.Mutex
	cursor   Position
}

// NewOutboxMessenger creates a messenger for the given instance id.
func NewOutboxMessenger(outbox Outbox, instance string, clk clockwork.Clock) *OutboxMessenger {
	return &OutboxMessenger{
		outbox:   outbox,
		instance: instance,
		clock:    clk,
	}
}

// Dispatch appends payload stamped with the current time, never earlier than
// the previous dispatch from this instance.
func (m *OutboxMessenger) Dispatch(ctx context.Context, payload []byte) error {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	stamp := max(m.clock.Now().UnixMilli(), m.lastStamp)
	pos, err := m.outbox.Append(ctx, stamp, payload)
	if err != nil {
		return fmt.Errorf("dispatching sync message: %w", err)
	}
	m.lastStamp = stamp

	slog.Debug("sync message dispatched",
		"instance", m.instance,
		"time", pos.Time,
		"seq", pos.Seq,
		"size", len(payload))
	return nil
}

// Poll returns messages after the cursor in log order.
// Concurrent calls fail with ErrPollInFlight instead of racing on the cursor.
func (m *OutboxMessenger) Poll(ctx context.Context) ([][]byte, error) {
	if !m.polling.CompareAndSwap(false, true) {
		return nil, ErrPollInFlight
	}
	defer m.polling.Store(false)

	after := m.Cursor()
	envs, err := m.outbox.Consume(ctx, m.instance, after)
	if err != nil {
		return nil, fmt.Errorf("polling sync messages after %d/%d: %w", after.Time, after.Seq, err)
	}
	if len(envs) == 0 {
		return nil, nil
	}

	payloads := make([][]byte, len(envs))
	for i, env := range envs {
		payloads[i] = env.Payload
	}
	m.setCursor(envs[len(envs)-1].Position)
	return payloads, nil
}

func (m *OutboxMessenger) SetInitialTimestamp(ctx context.Context) error {
	pos, ok, err := m.outbox.Cursor(ctx, m.instance)
	if err != nil {
		return fmt.Errorf("loading sync cursor for %s: %w", m.instance, err)
	}
	if ok {
		m.setCursor(pos)
		slog.Info("sync cursor restored", "instance", m.instance, "time", pos.Time, "seq", pos.Seq)
		return nil
	}
	return m.ResetLastTimestamp(ctx)
}

func (m *OutboxMessenger) ResetLastTimestamp(ctx context.Context) error {
	head, err := m.outbox.Head(ctx)
	if err != nil {
		return fmt.Errorf("reading sync log head: %w", err)
	}
	if err := m.outbox.StoreCursor(ctx, m.instance, head); err != nil {
		return fmt.Errorf("storing sync cursor for %s: %w", m.instance, err)
	}
	m.setCursor(head)
	slog.Info("sync cursor reset", "instance", m.instance, "time", head.Time, "seq", head.Seq)
	return nil
}

// Prune deletes messages older than olderThan.
func (m *OutboxMessenger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	before := m.clock.Now().Add(-olderThan).UnixMilli()
	n, err := m.outbox.Prune(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("pruning sync messages: %w", err)
	}
	return n, nil
}

// Cursor returns the position of the last polled message.
func (m *OutboxMessenger) Cursor() Position {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	return m.cursor
}

func (m *OutboxMessenger) setCursor(pos Position) {
	m.cursorMu.Lock()
	defer m.cursorMu.Unlock()
	m.cursor = pos
}
