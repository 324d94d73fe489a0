package messenger

import (
	"bytes"
	"cmp"
	"context"
	"slices"
	"sync"
)

// MemoryOutbox is an in-process Outbox. Instances sharing one MemoryOutbox
// behave like instances sharing one database.
type MemoryOutbox struct {
	mu       sync.Mutex
	seq      int64
	messages []Envelope
	cursors  map[string]Position
}

// NewMemoryOutbox creates an empty log.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		cursors: make(map[string]Position),
	}
}

func (o *MemoryOutbox) Append(_ context.Context, at int64, payload []byte) (Position, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n := len(o.messages); n > 0 {
		at = max(at, o.messages[n-1].Time)
	}
	o.seq++
	env := Envelope{
		Position: Position{Time: at, Seq: o.seq},
		Payload:  bytes.Clone(payload),
	}
	o.messages = append(o.messages, env)
	return env.Position, nil
}

func (o *MemoryOutbox) Consume(_ context.Context, instance string, after Position) ([]Envelope, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	i := o.firstAfter(after)
	if i == len(o.messages) {
		return nil, nil
	}
	out := make([]Envelope, 0, len(o.messages)-i)
	for _, env := range o.messages[i:] {
		out = append(out, Envelope{Position: env.Position, Payload: bytes.Clone(env.Payload)})
	}
	o.cursors[instance] = out[len(out)-1].Position
	return out, nil
}

func (o *MemoryOutbox) Head(context.Context) (Position, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.messages) == 0 {
		return Position{}, nil
	}
	return o.messages[len(o.messages)-1].Position, nil
}

func (o *MemoryOutbox) Prune(_ context.Context, before int64) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	i, _ := slices.BinarySearchFunc(o.messages, before, func(env Envelope, t int64) int {
		return cmp.Compare(env.Time, t)
	})
	o.messages = slices.Delete(o.messages, 0, i)
	return int64(i), nil
}

func (o *MemoryOutbox) Cursor(_ context.Context, instance string) (Position, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pos, ok := o.cursors[instance]
	return pos, ok, nil
}

func (o *MemoryOutbox) StoreCursor(_ context.Context, instance string, pos Position) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cursors[instance] = pos
	return nil
}

// Len returns the number of stored messages.
func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.messages)
}

// firstAfter returns the index of the first message strictly after pos.
// Caller must hold o.mu.
func (o *MemoryOutbox) firstAfter(pos Position) int {
	i, found := slices.BinarySearchFunc(o.messages, pos.Seq, func(env Envelope, seq int64) int {
		return cmp.Compare(env.Seq, seq)
	})
	if found {
		i++
	}
	return i
}
