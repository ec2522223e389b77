package reconcile

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/questlog/internal/connectivity"
	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/replica"
	"github.com/roach88/questlog/internal/scoring"
	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/testutil"
	"github.com/roach88/questlog/internal/tracker"
)

const user = "user-1"

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type fixture struct {
	kv      *store.Memory
	clock   *testutil.FakeClock
	ids     *testutil.SeqIDs
	backend *remote.Memory
	port    *connectivity.ManualPort
	monitor *connectivity.Monitor
	logs    *observer.ObservedLogs
	ticks   chan time.Time

	tracker *tracker.Tracker
	replica *replica.Replica
	svc     *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		kv:      store.NewMemory(),
		clock:   testutil.NewFakeClock(t0),
		ids:     testutil.NewSeqIDs("c"),
		backend: remote.NewMemory(),
		port:    connectivity.NewManualPort(true),
		ticks:   make(chan time.Time),
	}
	f.monitor = connectivity.NewMonitor(f.port, nil)
	t.Cleanup(f.monitor.Close)
	f.open(t, opts...)
	return f
}

// open (re)builds the tracker, replica and service over the fixture's store,
// as a process restart would.
func (f *fixture) open(t *testing.T, opts ...Option) {
	t.Helper()
	ctx := context.Background()
	core, logs := observer.New(zap.DebugLevel)
	log := zap.New(core)
	f.logs = logs

	tr, err := tracker.Open(ctx, f.kv,
		tracker.WithIDGenerator(f.ids),
		tracker.WithClock(f.clock.Now),
		tracker.WithLogger(log),
	)
	require.NoError(t, err)
	rep, err := replica.Open(ctx, f.kv, tr, scoring.DefaultConfig(),
		replica.WithClock(f.clock.Now),
		replica.WithLogger(log),
	)
	require.NoError(t, err)
	t.Cleanup(rep.Close)

	base := []Option{
		WithLogger(log),
		WithClock(f.clock.Now),
		WithRegisterer(prometheus.NewRegistry()),
		WithTicks(f.ticks),
	}
	svc, err := New(ctx, f.kv, f.backend, rep, tr, f.monitor, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	f.tracker, f.replica, f.svc = tr, rep, svc
}

func (f *fixture) putTask(t *testing.T, id, title string) tracker.Change {
	t.Helper()
	c, err := f.replica.UpsertEntity(context.Background(), tracker.EntityTask, id,
		json.RawMessage(`{"title":"`+title+`"}`))
	require.NoError(t, err)
	return c
}

func (f *fixture) complete(t *testing.T, action ledger.ActionType) {
	t.Helper()
	_, _, err := f.replica.Complete(context.Background(), scoring.Action{Type: action})
	require.NoError(t, err)
}

func changeIDs(changes []tracker.Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = c.ID
	}
	return out
}

// transportOn fails Apply with a TransportError for the change with id.
func transportOn(id string) func(tracker.Change) error {
	return func(c tracker.Change) error {
		if c.ID == id {
			return &remote.TransportError{Op: "apply", Err: remote.ErrUnreachable}
		}
		return nil
	}
}
