package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/roach88/questlog/internal/connectivity"
	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/reconcile"
	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/replica"
	"github.com/roach88/questlog/internal/scoring"
	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/testutil"
	"github.com/roach88/questlog/internal/tracker"
)

// DefaultUser is the user a scenario syncs as when it names none.
const DefaultUser = "scenario-user"

// Harness holds one scenario's replica, queue and remote.
// It runs scenarios with a deterministic clock and change ids.
type Harness struct {
	clock   *testutil.FakeClock
	port    *connectivity.ManualPort
	monitor *connectivity.Monitor
	backend *remote.Memory
	tracker *tracker.Tracker
	replica *replica.Replica
	sync    *reconcile.Service
	userID  string
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory store and remote for
// isolation. Steps run synchronously; nothing syncs in the background.
//
// Execution flow:
// 1. Load rules and build the replica, tracker and sync service
// 2. Execute steps, recording one trace event per execution
// 3. Evaluate assertions
// 4. Return result with pass/fail, trace, and errors
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	cfg := scoring.DefaultConfig()
	if scenario.Rules != "" {
		loaded, _, err := scoring.LoadRules(scenario.Rules)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}
		cfg = loaded
	}

	h, err := newHarness(ctx, scenario, cfg)
	if err != nil {
		return nil, err
	}
	defer h.close()

	result := NewResult()
	for i, step := range scenario.Steps {
		h.execute(ctx, i, step, result)
	}

	result.State = h.replica.Recompute().Wire()
	result.Pending = h.tracker.Len()

	actx := &AssertionContext{Backend: h.backend, UserID: h.userID}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}

func newHarness(ctx context.Context, scenario *Scenario, cfg scoring.Config) (*Harness, error) {
	start := scenario.Start
	if start.IsZero() {
		start = DefaultStart
	}
	userID := scenario.UserID
	if userID == "" {
		userID = DefaultUser
	}

	h := &Harness{
		clock:   testutil.NewFakeClock(start),
		port:    connectivity.NewManualPort(true),
		backend: remote.NewMemory(),
		userID:  userID,
	}
	log := zap.NewNop()
	kv := store.NewMemory()

	tr, err := tracker.Open(ctx, kv,
		tracker.WithIDGenerator(testutil.NewSeqIDs("change")),
		tracker.WithClock(h.clock.Now),
		tracker.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker: %w", err)
	}
	rep, err := replica.Open(ctx, kv, tr, cfg,
		replica.WithClock(h.clock.Now),
		replica.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open replica: %w", err)
	}
	mon := connectivity.NewMonitor(h.port, log)
	svc, err := reconcile.New(ctx, kv, h.backend, rep, tr, mon,
		reconcile.WithLogger(log),
		reconcile.WithClock(h.clock.Now),
		reconcile.WithRegisterer(prometheus.NewRegistry()),
	)
	if err != nil {
		mon.Close()
		rep.Close()
		return nil, fmt.Errorf("failed to start sync: %w", err)
	}

	h.tracker, h.replica, h.monitor, h.sync = tr, rep, mon, svc
	return h, nil
}

func (h *Harness) close() {
	h.sync.Close()
	h.monitor.Close()
	h.replica.Close()
}

// execute runs one scenario step, Repeat times.
func (h *Harness) execute(ctx context.Context, index int, step Step, result *Result) {
	times := max(step.Repeat, 1)
	for n := range times {
		kind := step.Kind()
		detail, err := h.apply(ctx, kind, step)

		ok := err == nil
		switch {
		case step.ExpectError && ok:
			result.AddError(fmt.Sprintf("steps[%d] (%s): expected an error, got none", index, kind))
		case !step.ExpectError && !ok:
			result.AddError(fmt.Sprintf("steps[%d] (%s): %v", index, kind, err))
		}

		st := h.replica.State()
		result.AddTrace(TraceEvent{
			Step:    kind,
			Detail:  detail,
			OK:      ok,
			XP:      st.XP,
			Coins:   st.Coins,
			Rank:    st.Rank().String(),
			Pending: h.tracker.Len(),
		})

		if step.Every > 0 && n < times-1 {
			h.clock.Advance(time.Duration(step.Every))
		}
	}
}

// apply performs a single step and returns its trace detail.
func (h *Harness) apply(ctx context.Context, kind string, step Step) (string, error) {
	switch kind {
	case StepComplete:
		action, err := ledger.ParseActionType(step.Complete)
		if err != nil {
			return step.Complete, err
		}
		_, _, err = h.replica.Complete(ctx, scoring.Action{
			Type:     action,
			Tags:     step.Tags,
			Category: step.Category,
		})
		return step.Complete, err

	case StepPut:
		e := tracker.Entity(step.Put)
		payload, err := json.Marshal(step.Data)
		if err != nil {
			return entityDetail(e, step.ID), fmt.Errorf("encode data: %w", err)
		}
		_, err = h.replica.UpsertEntity(ctx, e, step.ID, payload)
		return entityDetail(e, step.ID), err

	case StepDelete:
		e := tracker.Entity(step.Delete)
		_, err := h.replica.DeleteEntity(ctx, e, step.ID)
		return entityDetail(e, step.ID), err

	case StepAdvance:
		d := time.Duration(step.Advance)
		h.clock.Advance(d)
		return d.String(), nil

	case StepOnline:
		online := *step.Online
		h.backend.SetReachable(online)
		h.port.Set(online)
		return strconv.FormatBool(online), nil

	case StepPush:
		return "", h.sync.Push(ctx, h.userID)

	case StepPull:
		return "", h.sync.Refresh(ctx, h.userID)

	default:
		return "", fmt.Errorf("unknown step kind %q", kind)
	}
}

func entityDetail(e tracker.Entity, id string) string {
	if id == "" {
		return string(e)
	}
	return string(e) + "/" + id
}
