package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/scoring"
	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/tracker"
	"github.com/roach88/questlog/internal/wire"
)

// ErrEntityNotFound is returned when deleting an entity the replica does not have.
var ErrEntityNotFound = errors.New("entity not found")

// ErrDerivedEntity is returned for direct writes to the gamification entity,
// which only changes through Complete and ApplySnapshot.
var ErrDerivedEntity = errors.New("gamification is derived from the ledger")

// ledgerRecord is the shape stored under store.KeyLedger.
type ledgerRecord struct {
	History []ledger.HistoryItem `json:"history"`
	State   scoring.State        `json:"state"`
}

// entitiesRecord is the shape stored under store.KeyReplica.
// Singletons are stored under the empty id.
type entitiesRecord struct {
	Entities map[tracker.Entity]map[string]json.RawMessage `json:"entities"`
}

// Replica is the local replica of one user's data.
//
// Thread-safety: all methods are safe for concurrent use. Mutations are
// serialized by a single mutex so local operations apply in call order.
type Replica struct {
	kv      store.KV
	tracker *tracker.Tracker
	now     func() time.Time
	log     *zap.Logger

	mu        sync.RWMutex
	cfg       scoring.Config
	ledger    *ledger.Ledger
	state     scoring.State
	report    scoring.Report
	entities  map[tracker.Entity]map[string]json.RawMessage
	needsPull bool

	subMu  sync.Mutex
	subID  int
	subs   map[int]chan Event
	closed bool
}

// Option configures a Replica.
type Option func(*Replica)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(r *Replica) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Replica) { r.log = l }
}

// Open loads the replica persisted in kv.
//
// A missing record is an empty replica. An undecodable record is discarded
// and marks the replica as needing a pull; so does a tracker that had to
// discard its queue.
func Open(ctx context.Context, kv store.KV, tr *tracker.Tracker, cfg scoring.Config, opts ...Option) (*Replica, error) {
	r := &Replica{
		kv:       kv,
		tracker:  tr,
		now:      time.Now,
		log:      zap.NewNop(),
		cfg:      cfg,
		entities: make(map[tracker.Entity]map[string]json.RawMessage),
		subs:     make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("replica")

	var lr ledgerRecord
	if err := r.load(ctx, store.KeyLedger, &lr); err != nil {
		return nil, err
	}
	var er entitiesRecord
	if err := r.load(ctx, store.KeyReplica, &er); err != nil {
		return nil, err
	}
	if tr.Corrupted() {
		r.needsPull = true
	}

	r.ledger = ledger.New(lr.History...)
	for e, recs := range er.Entities {
		r.entities[e] = recs
	}
	r.recomputeLocked(r.now())
	return r, nil
}

// load decodes key into v. Corrupt data is logged and flags a pull.
func (r *Replica) load(ctx context.Context, key string, v any) error {
	err := store.GetJSON(ctx, r.kv, key, v)
	var ce *store.CorruptError
	switch {
	case err == nil, errors.Is(err, store.ErrNotFound):
		return nil
	case errors.As(err, &ce):
		r.log.Warn("discarding undecodable record", zap.String("key", key), zap.Error(err))
		r.needsPull = true
		return nil
	default:
		return fmt.Errorf("open replica: %w", err)
	}
}

// Complete records a completed action: the entry is awarded, appended to
// the ledger, derived state is recomputed, and the new entry is queued for
// the remote as a gamification create keyed by the entry id.
func (r *Replica) Complete(ctx context.Context, act scoring.Action) (ledger.HistoryItem, scoring.State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry, err := scoring.Award(act, r.cfg, r.ledger.Items(), now)
	if err != nil {
		return ledger.HistoryItem{}, scoring.State{}, err
	}
	stored, err := r.ledger.Append(entry)
	if err != nil {
		return ledger.HistoryItem{}, scoring.State{}, fmt.Errorf("complete: %w", err)
	}
	r.recomputeLocked(now)

	if err := r.persistLedgerLocked(ctx); err != nil {
		return stored, r.state, fmt.Errorf("complete: %w", err)
	}
	payload, err := wire.Encode(stored)
	if err != nil {
		return stored, r.state, fmt.Errorf("complete: %w", err)
	}
	if _, err := r.tracker.Record(ctx, tracker.Change{
		Type:     tracker.ChangeCreate,
		Entity:   tracker.EntityGamification,
		EntityID: stored.ID,
		Payload:  payload,
	}); err != nil {
		return stored, r.state, fmt.Errorf("complete: %w", err)
	}

	r.log.Info("action completed",
		zap.String("id", stored.ID),
		zap.String("action", string(stored.ActionType)),
		zap.Int("xp_delta", stored.XPDelta),
		zap.Int("xp", r.state.XP),
		zap.String("rank", r.state.Rank().String()),
	)
	r.publish(Event{Kind: EventCompleted, State: r.state, Entry: &stored})
	return stored, r.state, nil
}

// UpsertEntity creates or replaces an entity and queues the change.
// Collections need an id; singletons ignore it.
func (r *Replica) UpsertEntity(ctx context.Context, e tracker.Entity, id string, payload json.RawMessage) (tracker.Change, error) {
	if e == tracker.EntityGamification {
		return tracker.Change{}, ErrDerivedEntity
	}
	if !e.IsCollection() {
		id = ""
	}
	canon, err := wire.Canonicalize(payload)
	if err != nil {
		return tracker.Change{}, fmt.Errorf("upsert %s: %w", e, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	typ := tracker.ChangeUpdate
	if _, exists := r.entities[e][id]; !exists && e.IsCollection() {
		typ = tracker.ChangeCreate
	}
	c := tracker.Change{Type: typ, Entity: e, EntityID: id, Payload: canon}
	if err := c.Validate(); err != nil {
		return tracker.Change{}, err
	}

	prev, had := r.entities[e][id]
	r.setEntityLocked(e, id, canon)
	if err := r.persistEntitiesLocked(ctx); err != nil {
		r.restoreEntityLocked(e, id, prev, had)
		return tracker.Change{}, fmt.Errorf("upsert %s: %w", e, err)
	}
	recorded, err := r.tracker.Record(ctx, c)
	if err != nil {
		return tracker.Change{}, fmt.Errorf("upsert %s: %w", e, err)
	}
	r.publish(Event{Kind: EventEntityChanged, State: r.state, Change: &recorded})
	return recorded, nil
}

// DeleteEntity removes an entity and queues the change.
func (r *Replica) DeleteEntity(ctx context.Context, e tracker.Entity, id string) (tracker.Change, error) {
	if e == tracker.EntityGamification {
		return tracker.Change{}, ErrDerivedEntity
	}
	if !e.IsCollection() {
		id = ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, had := r.entities[e][id]
	if !had {
		return tracker.Change{}, fmt.Errorf("delete %s/%s: %w", e, id, ErrEntityNotFound)
	}
	delete(r.entities[e], id)
	if err := r.persistEntitiesLocked(ctx); err != nil {
		r.restoreEntityLocked(e, id, prev, had)
		return tracker.Change{}, fmt.Errorf("delete %s: %w", e, err)
	}
	recorded, err := r.tracker.Record(ctx, tracker.Change{Type: tracker.ChangeDelete, Entity: e, EntityID: id})
	if err != nil {
		return tracker.Change{}, fmt.Errorf("delete %s: %w", e, err)
	}
	r.publish(Event{Kind: EventEntityChanged, State: r.state, Change: &recorded})
	return recorded, nil
}

// ApplySnapshot replaces the whole replica with snap: entities, ledger and
// derived state. Pending local changes are left to the caller.
func (r *Replica) ApplySnapshot(ctx context.Context, snap remote.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entities := make(map[tracker.Entity]map[string]json.RawMessage)
	put := func(e tracker.Entity, id string, p json.RawMessage) {
		if entities[e] == nil {
			entities[e] = make(map[string]json.RawMessage)
		}
		entities[e][id] = append(json.RawMessage(nil), p...)
	}
	for _, e := range []tracker.Entity{tracker.EntityTask, tracker.EntityHabit, tracker.EntityGoal} {
		for _, rec := range snap.Records(e) {
			put(e, rec.ID, rec.Payload)
		}
	}
	if len(snap.Shop) > 0 {
		put(tracker.EntityShop, "", snap.Shop)
	}
	if len(snap.Settings) > 0 {
		put(tracker.EntitySettings, "", snap.Settings)
	}

	r.entities = entities
	r.ledger = ledger.New(snap.Gamification.History...)
	r.recomputeLocked(r.now())

	if err := r.persistLedgerLocked(ctx); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	if err := r.persistEntitiesLocked(ctx); err != nil {
		return fmt.Errorf("apply snapshot: %w", err)
	}
	r.needsPull = false

	r.log.Info("replica re-seeded from remote",
		zap.Int("history", r.ledger.Len()),
		zap.Int("xp", r.state.XP),
	)
	r.publish(Event{Kind: EventReseeded, State: r.state})
	return nil
}

// Recompute refreshes derived state for the current time, for example
// after midnight when windows and decay move without any new action.
func (r *Replica) Recompute() scoring.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recomputeLocked(r.now())
	r.publish(Event{Kind: EventRecomputed, State: r.state})
	return r.state
}

// SetConfig swaps the scoring config and recomputes.
func (r *Replica) SetConfig(cfg scoring.Config) scoring.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.recomputeLocked(r.now())
	r.publish(Event{Kind: EventRecomputed, State: r.state})
	return r.state
}

// State returns the cached derived state.
func (r *Replica) State() scoring.State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Report returns the findings of the last computation.
func (r *Replica) Report() scoring.Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.report
}

// History returns a copy of the ledger.
func (r *Replica) History() []ledger.HistoryItem {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ledger.Items()
}

// Entity returns one entity's payload.
func (r *Replica) Entity(e tracker.Entity, id string) (json.RawMessage, bool) {
	if !e.IsCollection() {
		id = ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.entities[e][id]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), p...), true
}

// Records returns a collection sorted by id.
func (r *Replica) Records(e tracker.Entity) []remote.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []remote.Record{}
	for id, p := range r.entities[e] {
		out = append(out, remote.Record{ID: id, Payload: append(json.RawMessage(nil), p...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NeedsPull reports whether local data was lost and a pull should re-seed it.
func (r *Replica) NeedsPull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.needsPull
}

func (r *Replica) recomputeLocked(now time.Time) {
	r.state, r.report = scoring.Compute(r.ledger.Items(), r.cfg, now)
	if r.report.Skipped > 0 {
		r.log.Warn("skipped malformed ledger entries", zap.Int("count", r.report.Skipped))
	}
}

func (r *Replica) persistLedgerLocked(ctx context.Context) error {
	return store.SetJSON(ctx, r.kv, store.KeyLedger, ledgerRecord{History: r.ledger.Items(), State: r.state})
}

func (r *Replica) persistEntitiesLocked(ctx context.Context) error {
	return store.SetJSON(ctx, r.kv, store.KeyReplica, entitiesRecord{Entities: r.entities})
}

func (r *Replica) setEntityLocked(e tracker.Entity, id string, p json.RawMessage) {
	if r.entities[e] == nil {
		r.entities[e] = make(map[string]json.RawMessage)
	}
	r.entities[e][id] = p
}

func (r *Replica) restoreEntityLocked(e tracker.Entity, id string, prev json.RawMessage, had bool) {
	if had {
		r.setEntityLocked(e, id, prev)
		return
	}
	delete(r.entities[e], id)
}

// Rebase re-applies changes that are still pending on top of the current
// data without recording them again. The reconciliation service calls it
// after a pull so local edits made offline stay visible until pushed.
//
// Pending ledger entries are merged by id: an entry the snapshot already
// holds is not added twice, and entries keep the ids they were queued with.
func (r *Replica) Rebase(ctx context.Context, changes []tracker.Change) error {
	if len(changes) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []ledger.HistoryItem
	for _, c := range changes {
		switch {
		case c.Entity == tracker.EntityGamification:
			if c.Type == tracker.ChangeDelete {
				continue
			}
			items, err := pendingEntries(c)
			if err != nil {
				r.log.Warn("skipping unreadable pending gamification change",
					zap.String("change_id", c.ID), zap.Error(err))
				continue
			}
			entries = append(entries, items...)
		case c.Type == tracker.ChangeDelete:
			delete(r.entities[c.Entity], c.EntityID)
		default:
			r.setEntityLocked(c.Entity, c.EntityID, append(json.RawMessage(nil), c.Payload...))
		}
	}

	if added := r.ledger.Merge(entries...); added > 0 {
		r.recomputeLocked(r.now())
		if err := r.persistLedgerLocked(ctx); err != nil {
			return fmt.Errorf("rebase: %w", err)
		}
		r.log.Debug("rebased pending ledger entries", zap.Int("added", added))
	}
	if err := r.persistEntitiesLocked(ctx); err != nil {
		return fmt.Errorf("rebase: %w", err)
	}
	r.publish(Event{Kind: EventRecomputed, State: r.state})
	return nil
}

// pendingEntries decodes the ledger entries a queued gamification change
// carries: one entry, or a whole ledger queued by an older client.
func pendingEntries(c tracker.Change) ([]ledger.HistoryItem, error) {
	if c.EntityID == "" {
		var g remote.Gamification
		if err := json.Unmarshal(c.Payload, &g); err != nil {
			return nil, err
		}
		return g.History, nil
	}
	var it ledger.HistoryItem
	if err := json.Unmarshal(c.Payload, &it); err != nil {
		return nil, err
	}
	if it.ID == "" {
		it.ID = c.EntityID
	}
	return []ledger.HistoryItem{it}, nil
}
