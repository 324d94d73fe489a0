// Package synchronizer runs the periodic poll loop of an instance and sends
// the packets it originates.
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/udisondev/punishd/internal/messenger"
	"github.com/udisondev/punishd/internal/protocol"
)

// maxPending bounds the queue of packets waiting for a failed dispatch to be retried.
const maxPending = 4096

// Evicter drops stale cache entries.
type Evicter interface {
	Evict() int
}

// Config wires a Synchronizer.
type Config struct {
	Messenger    messenger.Messenger
	Handler      protocol.Handler
	Cache        Evicter // optional
	PollInterval time.Duration
	Retention    time.Duration // 0 disables pruning
	PruneEvery   int           // ticks between maintenance runs
}

// Synchronizer polls the messenger on a fixed interval and applies every
// received packet in order. At most one poll is in flight.
type Synchronizer struct {
	messenger  messenger.Messenger
	handler    protocol.Handler
	cache      Evicter
	interval   time.Duration
	retention  time.Duration
	pruneEvery int

	tickMu sync.Mutex
	ticks  int

	// sendMu keeps dispatches in the order Send was called, retries included.
	sendMu  sync.Mutex
	pending [][]byte
}

// New creates a Synchronizer.
func New(cfg Config) *Synchronizer {
	if cfg.PruneEvery <= 0 {
		cfg.PruneEvery = 1
	}
	return &Synchronizer{
		messenger:  cfg.Messenger,
		handler:    cfg.Handler,
		cache:      cfg.Cache,
		interval:   cfg.PollInterval,
		retention:  cfg.Retention,
		pruneEvery: cfg.PruneEvery,
	}
}

// Start restores the messenger cursor. Call once before the first Tick.
func (s *Synchronizer) Start(ctx context.Context) error {
	if err := s.messenger.SetInitialTimestamp(ctx); err != nil {
		return fmt.Errorf("initializing sync cursor: %w", err)
	}
	return nil
}

// Run starts the synchronizer and ticks until ctx is cancelled.
func (s *Synchronizer) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	slog.Info("synchronizer started", "poll_interval", s.interval, "retention", s.retention)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("synchronizer stopped", "pending", s.Pending())
			return nil
		case <-ticker.C:
			if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				slog.Error("sync tick failed", "err", err)
			}
		}
	}
}

// Tick runs one cycle: retry failed dispatches, run maintenance when due,
// then poll and apply new messages. It returns the number of messages applied.
// A message that fails to decode or apply is logged and skipped.
func (s *Synchronizer) Tick(ctx context.Context) (int, error) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.ticks++
	s.flush(ctx)
	if s.ticks%s.pruneEvery == 0 {
		s.maintain(ctx)
	}

	msgs, err := s.messenger.Poll(ctx)
	if err != nil {
		return 0, fmt.Errorf("polling: %w", err)
	}

	applied := 0
	for i, msg := range msgs {
		err := protocol.ReceiveMessage(ctx, msg, s.handler)
		switch {
		case err == nil:
			applied++
		case errors.Is(err, protocol.ErrMalformed):
			slog.Warn("skipping malformed sync message", "index", i, "size", len(msg), "err", err)
		default:
			slog.Error("applying sync message", "index", i, "size", len(msg), "err", err)
		}
	}
	if len(msgs) > 0 {
		slog.Debug("sync messages polled", "received", len(msgs), "applied", applied)
	}
	return applied, nil
}

// Send serializes p and dispatches it. A failed dispatch is queued and
// retried, in order, at the start of the following ticks.
func (s *Synchronizer) Send(ctx context.Context, p protocol.Packet) error {
	data, err := protocol.SerializeMessage(p)
	if err != nil {
		return fmt.Errorf("serializing %s: %w", p.Kind(), err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if len(s.pending) == 0 {
		err := s.messenger.Dispatch(ctx, data)
		if err == nil {
			return nil
		}
		slog.Warn("dispatch failed, will retry", "kind", p.Kind(), "err", err)
	}
	s.enqueue(data)
	return nil
}

// Pending returns the number of packets waiting for a retry.
func (s *Synchronizer) Pending() int {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return len(s.pending)
}

// enqueue adds data to the retry queue. Caller must hold s.sendMu.
func (s *Synchronizer) enqueue(data []byte) {
	if len(s.pending) >= maxPending {
		slog.Error("sync retry queue full, dropping oldest packet", "size", len(s.pending[0]))
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, data)
}

func (s *Synchronizer) flush(ctx context.Context) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for len(s.pending) > 0 {
		if err := s.messenger.Dispatch(ctx, s.pending[0]); err != nil {
			slog.Warn("retrying dispatch failed", "pending", len(s.pending), "err", err)
			return
		}
		s.pending = s.pending[1:]
	}
}

func (s *Synchronizer) maintain(ctx context.Context) {
	if s.cache != nil {
		if n := s.cache.Evict(); n > 0 {
			slog.Debug("evicted stale cache entries", "count", n)
		}
	}
	pruner, ok := s.messenger.(messenger.Pruner)
	if !ok || s.retention <= 0 {
		return
	}
	n, err := pruner.Prune(ctx, s.retention)
	if err != nil {
		slog.Warn("pruning sync messages", "err", err)
		return
	}
	if n > 0 {
		slog.Debug("pruned sync messages", "count", n)
	}
}
