package remote

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/roach88/questlog/internal/tracker"
)

// ErrUnreachable is the cause of TransportErrors from an unreachable Memory backend.
var ErrUnreachable = errors.New("backend unreachable")

type entityKey struct {
	entity tracker.Entity
	id     string
}

type userData struct {
	entities map[entityKey]json.RawMessage
	applied  map[string]struct{}
}

// Memory is an in-process Backend with the same semantics as Postgres.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	users     map[string]*userData
	reachable bool
	fail      func(tracker.Change) error
	log       *zap.Logger
	loads     int
	applies   int
}

var _ Backend = (*Memory)(nil)

// MemoryOption configures a Memory backend.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the logger used for skipped rows.
func WithMemoryLogger(l *zap.Logger) MemoryOption {
	return func(m *Memory) { m.log = l }
}

// NewMemory returns an empty, reachable backend.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{users: make(map[string]*userData), reachable: true, log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.Named("memory")
	return m
}

// SetReachable toggles whether calls fail with a TransportError.
func (m *Memory) SetReachable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable = ok
}

// FailWith makes Apply return fn(change) when it is non-nil. Pass nil to clear.
func (m *Memory) FailWith(fn func(tracker.Change) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Seed stores a record directly, bypassing change tracking.
func (m *Memory) Seed(userID string, entity tracker.Entity, id string, payload json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.user(userID).entities[entityKey{entity, id}] = append(json.RawMessage(nil), payload...)
}

// Get returns a stored payload.
func (m *Memory) Get(userID string, entity tracker.Entity, id string) (json.RawMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.user(userID).entities[entityKey{entity, id}]
	return p, ok
}

// Count returns how many rows of kind e the user has. Gamification rows are
// ledger entries.
func (m *Memory) Count(userID string, e tracker.Entity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.user(userID).entities {
		if k.entity == e {
			n++
		}
	}
	return n
}

// Calls returns how many LoadAll and Apply calls were made.
func (m *Memory) Calls() (loads, applies int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.applies
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reachable {
		return &TransportError{Op: "ping", Err: ErrUnreachable}
	}
	return ctx.Err()
}

func (m *Memory) LoadAll(ctx context.Context, userID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if !m.reachable {
		return Snapshot{}, &TransportError{Op: "load_all", Err: ErrUnreachable}
	}
	if err := ctx.Err(); err != nil {
		return Snapshot{}, &TransportError{Op: "load_all", Err: err}
	}

	var b snapshotBuilder
	for k, payload := range m.user(userID).entities {
		if err := b.add(k.entity, k.id, payload); err != nil {
			m.log.Warn("skipping unreadable entity",
				zap.String("entity", string(k.entity)), zap.String("entity_id", k.id), zap.Error(err))
		}
	}
	return b.build(), nil
}

func (m *Memory) Apply(ctx context.Context, userID string, c tracker.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applies++
	if !m.reachable {
		return &TransportError{Op: "apply", Err: ErrUnreachable}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "apply", Err: err}
	}
	if m.fail != nil {
		if err := m.fail(c); err != nil {
			return err
		}
	}

	u := m.user(userID)
	if _, done := u.applied[c.ID]; done {
		return nil
	}

	if c.Entity == tracker.EntityGamification {
		rows, err := ledgerRows(c)
		if err != nil {
			return err
		}
		for _, r := range rows {
			key := entityKey{c.Entity, r.ID}
			if _, exists := u.entities[key]; !exists {
				u.entities[key] = r.Payload
			}
		}
		u.applied[c.ID] = struct{}{}
		return nil
	}

	key := entityKey{c.Entity, c.EntityID}
	_, exists := u.entities[key]
	switch {
	case c.Type == tracker.ChangeDelete:
		if !exists && c.Entity.IsCollection() {
			return conflict(c)
		}
		delete(u.entities, key)
	case c.Type == tracker.ChangeUpdate && c.Entity.IsCollection() && !exists:
		return conflict(c)
	default:
		u.entities[key] = append(json.RawMessage(nil), c.Payload...)
	}
	u.applied[c.ID] = struct{}{}
	return nil
}

func (m *Memory) user(id string) *userData {
	u, ok := m.users[id]
	if !ok {
		u = &userData{
			entities: make(map[entityKey]json.RawMessage),
			applied:  make(map[string]struct{}),
		}
		m.users[id] = u
	}
	return u
}
