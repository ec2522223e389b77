package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/wire"
)

// persisted is the on-disk shape under store.KeyPending.
type persisted struct {
	Pending  []Change `json:"pending"`
	InFlight []Change `json:"inflight"`
}

// Tracker is the durable pending-change queue.
//
// Thread-safety: all methods are safe for concurrent use. Every mutation is
// persisted while the lock is held, so the stored queue always matches
// memory; if persisting fails the mutation is rolled back.
type Tracker struct {
	mu       sync.Mutex
	kv       store.KV
	ids      IDGenerator
	now      func() time.Time
	log      *zap.Logger
	pending  []Change
	inflight []Change
	corrupt  bool
	signal   chan struct{} // buffered, size 1
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithIDGenerator overrides the UUIDv7 id source.
func WithIDGenerator(g IDGenerator) Option {
	return func(t *Tracker) { t.ids = g }
}

// WithClock overrides the wall clock used to stamp changes.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.log = l }
}

// Open loads the tracker persisted in kv.
//
// Changes that were in flight when the previous process stopped are moved
// back to the front of the queue. An undecodable record is logged, treated
// as empty and reported by Corrupted.
func Open(ctx context.Context, kv store.KV, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		kv:     kv,
		ids:    UUIDv7Generator{},
		now:    time.Now,
		log:    zap.NewNop(),
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}

	var p persisted
	err := store.GetJSON(ctx, kv, store.KeyPending, &p)
	var ce *store.CorruptError
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
	case errors.As(err, &ce):
		t.log.Warn("discarding undecodable pending queue", zap.Error(err))
		t.corrupt = true
		p = persisted{}
	default:
		return nil, fmt.Errorf("open tracker: %w", err)
	}

	t.pending = append(p.InFlight, p.Pending...)
	if len(p.InFlight) > 0 {
		t.log.Info("re-queued in-flight changes", zap.Int("count", len(p.InFlight)))
		if err := t.persistLocked(ctx); err != nil {
			return nil, fmt.Errorf("open tracker: %w", err)
		}
	}
	if len(t.pending) > 0 {
		t.notify()
	}
	return t, nil
}

// Record stamps c with an id and timestamp, canonicalizes its payload and
// appends it to the queue. The returned change is the stored copy.
//
// Payloads with fractional numbers are rejected with wire.ErrFractional.
func (t *Tracker) Record(ctx context.Context, c Change) (Change, error) {
	if err := c.Validate(); err != nil {
		return Change{}, err
	}
	if len(c.Payload) > 0 {
		canon, err := wire.Canonicalize(c.Payload)
		if err != nil {
			return Change{}, fmt.Errorf("record %s %s: %w", c.Type, c.Entity, err)
		}
		c.Payload = canon
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	c = c.clone()
	if c.ID == "" {
		c.ID = t.ids.Generate()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = t.now().UTC()
	}

	t.pending = append(t.pending, c)
	if err := t.persistLocked(ctx); err != nil {
		t.pending = t.pending[:len(t.pending)-1]
		return Change{}, fmt.Errorf("record: %w", err)
	}
	t.log.Debug("change recorded",
		zap.String("id", c.ID),
		zap.String("type", string(c.Type)),
		zap.String("entity", string(c.Entity)),
		zap.String("entity_id", c.EntityID),
	)
	t.notify()
	return c.clone(), nil
}

// Drain atomically takes every pending change, in enqueue order, and moves
// it to the in-flight set. Returns an empty slice when nothing is pending.
func (t *Tracker) Drain(ctx context.Context) ([]Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pending) == 0 {
		return []Change{}, nil
	}
	prevPending, prevInflight := t.pending, t.inflight
	drained := t.pending
	t.inflight = append(append([]Change(nil), t.inflight...), drained...)
	t.pending = nil
	if err := t.persistLocked(ctx); err != nil {
		t.pending, t.inflight = prevPending, prevInflight
		return nil, fmt.Errorf("drain: %w", err)
	}
	return cloneAll(drained), nil
}

// Ack forgets delivered changes. Unknown ids are ignored.
func (t *Tracker) Ack(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	done := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		done[id] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.inflight
	kept := make([]Change, 0, len(t.inflight))
	for _, c := range t.inflight {
		if _, ok := done[c.ID]; !ok {
			kept = append(kept, c)
		}
	}
	t.inflight = kept
	if err := t.persistLocked(ctx); err != nil {
		t.inflight = prev
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Requeue puts undelivered changes back at the front of the queue,
// preserving their relative order, and removes them from the in-flight set.
func (t *Tracker) Requeue(ctx context.Context, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	back := make(map[string]struct{}, len(changes))
	for _, c := range changes {
		back[c.ID] = struct{}{}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prevPending, prevInflight := t.pending, t.inflight
	kept := make([]Change, 0, len(t.inflight))
	for _, c := range t.inflight {
		if _, ok := back[c.ID]; !ok {
			kept = append(kept, c)
		}
	}
	t.inflight = kept
	t.pending = append(cloneAll(changes), t.pending...)
	if err := t.persistLocked(ctx); err != nil {
		t.pending, t.inflight = prevPending, prevInflight
		return fmt.Errorf("requeue: %w", err)
	}
	t.notify()
	return nil
}

// Pending returns a copy of the queued changes in enqueue order.
func (t *Tracker) Pending() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	return cloneAll(t.pending)
}

// Outstanding returns every unacknowledged change: the in-flight set
// followed by the queue, which is the order they would be delivered in.
func (t *Tracker) Outstanding() []Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Change, 0, len(t.inflight)+len(t.pending))
	out = append(out, cloneAll(t.inflight)...)
	return append(out, cloneAll(t.pending)...)
}

// Len returns the number of changes not yet acknowledged: queued plus in flight.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) + len(t.inflight)
}

// InFlight returns the number of drained but unacknowledged changes.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Corrupted reports whether Open discarded an undecodable queue.
func (t *Tracker) Corrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.corrupt
}

// Reset drops every pending and in-flight change. Used after a pull
// re-seeds the replica from the remote snapshot.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prevPending, prevInflight := t.pending, t.inflight
	t.pending, t.inflight = nil, nil
	if err := t.persistLocked(ctx); err != nil {
		t.pending, t.inflight = prevPending, prevInflight
		return fmt.Errorf("reset: %w", err)
	}
	t.corrupt = false
	return nil
}

// Signal returns a channel that receives after changes are recorded or
// re-queued. Multiple signals coalesce into one.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-tr.Signal():
//	    // drain
//	}
func (t *Tracker) Signal() <-chan struct{} {
	return t.signal
}

func (t *Tracker) notify() {
	// Non-blocking - buffer of 1 coalesces multiple signals
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	p := persisted{Pending: t.pending, InFlight: t.inflight}
	if p.Pending == nil {
		p.Pending = []Change{}
	}
	if p.InFlight == nil {
		p.InFlight = []Change{}
	}
	return store.SetJSON(ctx, t.kv, store.KeyPending, p)
}
