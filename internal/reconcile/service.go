package reconcile

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/questlog/internal/connectivity"
	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/replica"
	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/tracker"
)

// Service runs pulls and pushes between one replica and a remote backend.
//
// Thread-safety: all methods are safe for concurrent use.
type Service struct {
	kv      store.KV
	backend remote.Backend
	replica *replica.Replica
	tracker *tracker.Tracker
	monitor *connectivity.Monitor
	log     *zap.Logger
	metrics *metrics
	now     func() time.Time
	ticks   <-chan time.Time
	hub     *statusHub

	pulls  singleflight.Group
	pullMu sync.Mutex
	pulled map[string]bool

	pushMu    sync.Mutex
	pushing   bool
	pushAgain bool

	mu      sync.Mutex
	state   SyncState
	syncing int
	lastErr error
	stats   PushStats
}

// PushStats counts the outcome of every change pushed by a Service.
type PushStats struct {
	// Delivered changes were applied by the backend.
	Delivered int `json:"delivered"`
	// Dropped changes were refused as conflicts or rejections and left the queue.
	Dropped int `json:"dropped"`
}

// Option configures a Service.
type Option func(*options)

type options struct {
	log        *zap.Logger
	now        func() time.Time
	registerer prometheus.Registerer
	config     *SyncConfig
	ticks      <-chan time.Time
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock overrides the wall clock used for sync timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithRegisterer registers the sync metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithSyncConfig overrides the persisted scheduler config.
func WithSyncConfig(cfg SyncConfig) Option {
	return func(o *options) { o.config = &cfg }
}

// WithTicks replaces the scheduler's interval ticker with ticks.
func WithTicks(ticks <-chan time.Time) Option {
	return func(o *options) { o.ticks = ticks }
}

// New builds a Service and loads the persisted SyncState from kv.
func New(ctx context.Context, kv store.KV, backend remote.Backend, rep *replica.Replica, tr *tracker.Tracker, mon *connectivity.Monitor, opts ...Option) (*Service, error) {
	o := options{log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.Named("reconcile")

	st, discarded, err := loadState(ctx, kv, DefaultSyncConfig())
	if err != nil {
		return nil, err
	}
	if discarded {
		log.Warn("discarding undecodable sync state")
	}
	if o.config != nil {
		st.Config = *o.config
	}
	st.IsOnline = mon.Online()

	s := &Service{
		kv:      kv,
		backend: backend,
		replica: rep,
		tracker: tr,
		monitor: mon,
		log:     log,
		metrics: newMetrics(o.registerer),
		now:     o.now,
		ticks:   o.ticks,
		hub:     newStatusHub(),
		pulled:  make(map[string]bool),
		state:   st,
	}
	s.metrics.pending.Set(float64(tr.Len()))
	return s, nil
}

// State returns the sync state with the outstanding changes filled in.
func (s *Service) State() SyncState {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	st.PendingChanges = s.tracker.Outstanding()
	return st
}

// Stats returns the push totals since the Service was created.
func (s *Service) Stats() PushStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Config returns the scheduler config.
func (s *Service) Config() SyncConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Config
}

// Status returns the current status.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Subscribe returns a channel that receives the current status and every
// later change, and a func that ends the subscription. A slow reader sees
// only the newest status.
func (s *Service) Subscribe() (<-chan Status, func()) {
	return s.hub.subscribe(s.Status())
}

// Close ends every status subscription.
func (s *Service) Close() {
	s.hub.close()
}

// Pull re-seeds the replica from the remote snapshot of userID.
//
// Pull runs once per session per user; later calls return nil without
// contacting the backend unless the replica lost local data. Concurrent
// calls share one in-flight pull and its result.
func (s *Service) Pull(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	if s.pulledAlready(userID) {
		return nil
	}
	_, err, _ := s.pulls.Do(userID, func() (any, error) {
		if s.pulledAlready(userID) {
			return nil, nil
		}
		return nil, s.pull(ctx, userID)
	})
	return err
}

// Refresh forces a new pull for userID.
func (s *Service) Refresh(ctx context.Context, userID string) error {
	s.pullMu.Lock()
	delete(s.pulled, userID)
	s.pullMu.Unlock()
	return s.Pull(ctx, userID)
}

func (s *Service) pulledAlready(userID string) bool {
	s.pullMu.Lock()
	defer s.pullMu.Unlock()
	return s.pulled[userID] && !s.replica.NeedsPull()
}

// pull replaces the replica with the remote snapshot and re-applies
// whatever is still unacknowledged on top of it. Nothing is pushed first:
// the snapshot is the base, and pending ledger entries merge into it by id.
func (s *Service) pull(ctx context.Context, userID string) error {
	s.beginSync()
	defer s.endSync()

	start := s.now()
	snap, err := s.backend.LoadAll(ctx, userID)
	if err == nil {
		if snap.Empty() {
			s.log.Info("remote has no data for user", zap.String("user_id", userID))
		}
		if err = s.replica.ApplySnapshot(ctx, snap); err == nil {
			err = s.replica.Rebase(ctx, s.tracker.Outstanding())
		}
	}
	s.metrics.observe("pull", start, s.now(), err)
	bookkeeping := context.WithoutCancel(ctx)
	if err != nil {
		s.fail(bookkeeping, err)
		return fmt.Errorf("pull: %w", err)
	}

	s.pullMu.Lock()
	s.pulled[userID] = true
	s.pullMu.Unlock()

	s.log.Info("pull complete",
		zap.String("user_id", userID),
		zap.Int("remote_history", len(snap.Gamification.History)),
		zap.Int("history", len(s.replica.History())),
		zap.Int("pending", s.tracker.Len()),
	)
	s.succeed(bookkeeping, userID)
	return nil
}

// Push delivers every queued change for userID.
//
// When a push is already running the call returns nil at once and the
// running push drains again before it finishes, so changes recorded during
// a drain are delivered without a second concurrent drain.
func (s *Service) Push(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	s.pushMu.Lock()
	if s.pushing {
		s.pushAgain = true
		s.pushMu.Unlock()
		s.metrics.coalesced.Inc()
		return nil
	}
	s.pushing = true
	s.pushMu.Unlock()

	s.beginSync()
	defer s.endSync()

	for {
		err := s.drain(ctx, userID)
		s.pushMu.Lock()
		again := s.pushAgain && err == nil
		s.pushAgain = false
		if !again {
			s.pushing = false
			s.pushMu.Unlock()
			return err
		}
		s.pushMu.Unlock()
	}
}

// drain runs one drain cycle.
func (s *Service) drain(ctx context.Context, userID string) error {
	changes, err := s.tracker.Drain(ctx)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if len(changes) == 0 {
		return nil
	}

	start := s.now()
	var (
		done      []string
		rest      []tracker.Change
		failed    error
		delivered int
	)
deliver:
	for i, c := range changes {
		err := s.backend.Apply(ctx, userID, c)
		switch {
		case err == nil:
			done = append(done, c.ID)
			delivered++
			s.metrics.pushed.Inc()
		case remote.IsTransport(err), ctx.Err() != nil:
			failed = err
			rest = changes[i:]
			break deliver
		case remote.IsConflict(err):
			s.log.Warn("dropping conflicting change",
				zap.String("change_id", c.ID),
				zap.String("entity", string(c.Entity)),
				zap.String("entity_id", c.EntityID),
				zap.Error(err))
			done = append(done, c.ID)
			s.metrics.dropped.WithLabelValues(dropConflict).Inc()
		default:
			// RejectedError, or any other refusal that a retry cannot fix.
			s.log.Error("dropping change rejected by the backend",
				zap.String("change_id", c.ID),
				zap.String("entity", string(c.Entity)),
				zap.Error(err))
			done = append(done, c.ID)
			s.metrics.dropped.WithLabelValues(dropRejected).Inc()
		}
	}

	// Queue bookkeeping must land even when ctx was what stopped delivery.
	bookkeeping := context.WithoutCancel(ctx)
	if err := s.tracker.Ack(bookkeeping, done...); err != nil {
		return fmt.Errorf("push: %w", err)
	}
	s.mu.Lock()
	s.stats.Delivered += delivered
	s.stats.Dropped += len(done) - delivered
	s.mu.Unlock()
	if err := s.tracker.Requeue(bookkeeping, rest); err != nil {
		return fmt.Errorf("push: %w", err)
	}

	s.metrics.observe("push", start, s.now(), failed)
	if failed != nil {
		s.log.Warn("push stopped, changes stay queued",
			zap.String("user_id", userID),
			zap.Int("delivered", delivered),
			zap.Int("dropped", len(done)-delivered),
			zap.Int("requeued", len(rest)),
			zap.Error(failed))
		s.fail(bookkeeping, failed)
		return fmt.Errorf("push: %w", failed)
	}
	s.log.Info("push complete",
		zap.String("user_id", userID),
		zap.Int("delivered", delivered),
		zap.Int("dropped", len(done)-delivered))
	s.succeed(bookkeeping, userID)
	return nil
}

func (s *Service) beginSync() {
	s.mu.Lock()
	s.syncing++
	st := s.statusLocked()
	s.mu.Unlock()
	s.publish(st)
}

func (s *Service) endSync() {
	s.mu.Lock()
	s.syncing--
	st := s.statusLocked()
	s.mu.Unlock()
	s.publish(st)
}

// setOnline records a connectivity transition.
func (s *Service) setOnline(online bool) {
	s.mu.Lock()
	s.state.IsOnline = online
	st := s.statusLocked()
	s.mu.Unlock()
	s.publish(st)
}

func (s *Service) succeed(ctx context.Context, userID string) {
	s.mu.Lock()
	s.state.LastSyncTimestamp = s.now().UTC()
	s.state.UserID = userID
	s.lastErr = nil
	persist := s.state
	st := s.statusLocked()
	s.mu.Unlock()

	if err := saveState(ctx, s.kv, persist); err != nil {
		s.log.Warn("failed to persist sync state", zap.Error(err))
	}
	s.publish(st)
}

func (s *Service) fail(ctx context.Context, err error) {
	s.mu.Lock()
	s.lastErr = err
	persist := s.state
	st := s.statusLocked()
	s.mu.Unlock()

	if err := saveState(ctx, s.kv, persist); err != nil {
		s.log.Warn("failed to persist sync state", zap.Error(err))
	}
	s.publish(st)
}

func (s *Service) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr != nil
}

func (s *Service) statusLocked() Status {
	return Status{
		Online:    s.state.IsOnline,
		Syncing:   s.syncing > 0,
		Pending:   s.tracker.Len(),
		LastSync:  s.state.LastSyncTimestamp,
		LastError: s.lastErr,
	}
}

func (s *Service) publish(st Status) {
	s.metrics.pending.Set(float64(st.Pending))
	s.hub.publish(st)
}
