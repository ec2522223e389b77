package cli

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/roach88/questlog/internal/config"
	"github.com/roach88/questlog/internal/connectivity"
	"github.com/roach88/questlog/internal/observability"
	"github.com/roach88/questlog/internal/reconcile"
	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/replica"
	"github.com/roach88/questlog/internal/scoring"
	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/tracker"
)

// errNoRemote is returned by commands that need a backend when none is configured.
var errNoRemote = errors.New("no remote backend configured (set remote.dsn or QUESTLOG_REMOTE_DSN)")

// app is one opened questlog instance: the local store and replica, and
// the sync service when a backend is available.
type app struct {
	cfg   *config.Config
	log   *zap.Logger
	rules scoring.Config

	store   *store.Store
	tracker *tracker.Tracker
	replica *replica.Replica

	backend remote.Backend
	pool    *pgxpool.Pool
	port    connectivity.Port
	polling *connectivity.PollingPort
	monitor *connectivity.Monitor
	sync    *reconcile.Service
}

// appOptions tunes openApp per command.
type appOptions struct {
	// registerer receives the sync metrics; nil leaves them unregistered.
	registerer prometheus.Registerer
	// probe checks reachability once before returning.
	probe bool
}

// openApp opens the local store and wires every component on top of it.
//
// Without a backend, or with --offline, the connectivity port is pinned
// offline and the sync service is still built so its state can be read.
func openApp(ctx context.Context, opts *RootOptions, ao appOptions) (*app, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.NewDefaultConfig()
	}
	log := observability.GetLogger()
	now := time.Now
	if opts.now != nil {
		now = opts.now
	}

	rules, err := loadRules(cfg.Rules.File, log)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: log, rules: rules}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, WrapExitError(ExitCommandError, CodeStore, "failed to create store directory", err)
		}
	}
	a.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, CodeStore, "failed to open store", err)
	}

	a.tracker, err = tracker.Open(ctx, a.store, tracker.WithClock(now), tracker.WithLogger(log))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, CodeStore, "failed to open change queue", err)
	}
	a.replica, err = replica.Open(ctx, a.store, a.tracker, rules, replica.WithClock(now), replica.WithLogger(log))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, CodeStore, "failed to open replica", err)
	}

	if err := a.connect(ctx, opts, ao); err != nil {
		return nil, err
	}

	a.monitor = connectivity.NewMonitor(a.port, log)
	backend := a.backend
	if backend == nil {
		backend = offlineBackend{}
	}
	a.sync, err = reconcile.New(ctx, a.store, backend, a.replica, a.tracker, a.monitor,
		reconcile.WithLogger(log),
		reconcile.WithClock(now),
		reconcile.WithRegisterer(ao.registerer),
		reconcile.WithSyncConfig(reconcile.SyncConfig{
			AutoSync:            cfg.Sync.AutoSync,
			SyncIntervalMinutes: cfg.Sync.IntervalMinutes,
			EnableOfflineMode:   cfg.Sync.EnableOfflineMode,
		}),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, CodeStore, "failed to open sync state", err)
	}

	ok = true
	return a, nil
}

// connect picks the backend and the connectivity port.
func (a *app) connect(ctx context.Context, opts *RootOptions, ao appOptions) error {
	switch {
	case opts.Offline:
		a.port = connectivity.NewManualPort(false)
		return nil
	case opts.backend != nil:
		a.backend = opts.backend
		a.port = connectivity.NewManualPort(true)
		return nil
	case a.cfg.Remote.DSN == "":
		a.log.Debug("no remote configured, running local-only")
		a.port = connectivity.NewManualPort(false)
		return nil
	}

	pg, pool, err := remote.Connect(ctx, a.cfg.Remote.DSN, a.log)
	if err != nil {
		return WrapExitError(ExitCommandError, CodeRemote, "failed to configure remote", err)
	}
	a.backend, a.pool = pg, pool
	if a.cfg.Remote.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			a.log.Warn("remote migration failed", zap.Error(err))
		}
	}
	a.polling = connectivity.NewPollingPort(pg.Ping, a.cfg.Remote.ProbeInterval, a.cfg.Remote.ProbeTimeout, a.log)
	a.port = a.polling
	if ao.probe {
		a.polling.Check(ctx)
	}
	return nil
}

// requireRemote fails when there is no backend to talk to.
func (a *app) requireRemote(opts *RootOptions) error {
	if opts.Offline {
		return NewExitError(ExitCommandError, CodeRemote, "remote access disabled by --offline")
	}
	if a.backend == nil {
		return WrapExitError(ExitCommandError, CodeRemote, "cannot synchronize", errNoRemote)
	}
	return nil
}

// userID returns the configured user or an input error.
func (a *app) userID() (string, error) {
	if a.cfg.User.ID == "" {
		return "", NewExitError(ExitCommandError, CodeInvalidInput, "user id is required (set user.id or pass --user)")
	}
	return a.cfg.User.ID, nil
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close() {
	if a.sync != nil {
		a.sync.Close()
	}
	if a.monitor != nil {
		a.monitor.Close()
	}
	if a.replica != nil {
		a.replica.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("error closing store", zap.Error(err))
		}
	}
}

// loadRules reads the rules file, or returns the defaults when path is empty.
func loadRules(path string, log *zap.Logger) (scoring.Config, error) {
	if path == "" {
		return scoring.DefaultConfig(), nil
	}
	cfg, warnings, err := scoring.LoadRules(path)
	if err != nil {
		return scoring.Config{}, WrapExitError(ExitCommandError, CodeRules, "failed to load rules", err)
	}
	for _, w := range warnings {
		log.Warn("rules value replaced by default", zap.String("file", path), zap.Error(w))
	}
	return cfg, nil
}

// offlineBackend stands in when no remote is configured. Every call fails
// as a transport error, so changes stay queued.
type offlineBackend struct{}

var _ remote.Backend = offlineBackend{}

func (offlineBackend) LoadAll(ctx context.Context, userID string) (remote.Snapshot, error) {
	return remote.Snapshot{}, &remote.TransportError{Op: "load_all", Err: errNoRemote}
}

func (offlineBackend) Apply(ctx context.Context, userID string, c tracker.Change) error {
	return &remote.TransportError{Op: "apply", Err: errNoRemote}
}

func (offlineBackend) Ping(ctx context.Context) error {
	return &remote.TransportError{Op: "ping", Err: errNoRemote}
}

// wrapSyncError classifies a sync failure for the exit code.
func wrapSyncError(message string, err error) error {
	switch {
	case errors.Is(err, reconcile.ErrNoUser):
		return WrapExitError(ExitCommandError, CodeInvalidInput, message, err)
	case remote.IsTransport(err):
		return WrapExitError(ExitFailure, CodeRemote, message, err)
	default:
		return WrapExitError(ExitFailure, CodeInternal, message, err)
	}
}
