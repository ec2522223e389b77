package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/remote"
	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/tracker"
	"github.com/roach88/questlog/internal/wire"
)

func TestPush_DeliversInOrderAndAcks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.complete(t, ledger.ActionHabit)
	f.putTask(t, "t1", "write report")
	f.putTask(t, "t1", "write the report")

	require.NoError(t, f.svc.Push(ctx, user))

	assert.Zero(t, f.tracker.Len())
	p, ok := f.backend.Get(user, tracker.EntityTask, "t1")
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"write the report"}`, string(p))
	entry := f.replica.History()[0]
	_, ok = f.backend.Get(user, tracker.EntityGamification, entry.ID)
	assert.True(t, ok, "ledger entries are stored by id")

	st := f.svc.Status()
	assert.NoError(t, st.LastError)
	assert.Equal(t, t0, st.LastSync)
	assert.False(t, st.Syncing)
	assert.Equal(t, 3.0, promtest.ToFloat64(f.svc.metrics.pushed))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.svc.metrics.attempts.WithLabelValues("push", resultOK)))
	assert.Zero(t, promtest.ToFloat64(f.svc.metrics.pending))
}

func TestPush_EmptyQueueIsNoop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.svc.Push(context.Background(), user))
	_, applies := f.backend.Calls()
	assert.Zero(t, applies)
}

func TestPush_RequiresUser(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.svc.Push(context.Background(), ""), ErrNoUser)
	assert.ErrorIs(t, f.svc.Pull(context.Background(), ""), ErrNoUser)
}

func TestPush_TransportFailureKeepsQueue(t *testing.T) {
	f := newFixture(t)
	f.putTask(t, "a", "a")
	f.putTask(t, "b", "b")
	before := changeIDs(f.tracker.Pending())
	f.backend.SetReachable(false)

	err := f.svc.Push(context.Background(), user)
	require.Error(t, err)
	assert.True(t, remote.IsTransport(err))

	assert.Equal(t, before, changeIDs(f.tracker.Pending()))
	assert.Zero(t, f.tracker.InFlight())
	st := f.svc.Status()
	assert.Error(t, st.LastError)
	assert.Equal(t, 2, st.Pending)
	assert.True(t, st.LastSync.IsZero())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.svc.metrics.attempts.WithLabelValues("push", resultError)))
}

func TestPush_StopsAtFirstTransportFailure(t *testing.T) {
	f := newFixture(t)
	a := f.putTask(t, "a", "a")
	b := f.putTask(t, "b", "b")
	c := f.putTask(t, "c", "c")
	f.backend.FailWith(transportOn(b.ID))

	require.Error(t, f.svc.Push(context.Background(), user))

	assert.Equal(t, []string{b.ID, c.ID}, changeIDs(f.tracker.Pending()))
	_, ok := f.backend.Get(user, tracker.EntityTask, "a")
	assert.True(t, ok, "change %s was delivered", a.ID)
	_, ok = f.backend.Get(user, tracker.EntityTask, "c")
	assert.False(t, ok, "nothing after the failure is sent")

	f.backend.FailWith(nil)
	require.NoError(t, f.svc.Push(context.Background(), user))
	assert.Zero(t, f.tracker.Len())
	assert.Equal(t, 3, f.backend.Count(user, tracker.EntityTask))
	assert.NoError(t, f.svc.Status().LastError, "success clears the error")
}

func TestPush_ConflictIsDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tracker.Record(ctx, tracker.Change{
		Type: tracker.ChangeUpdate, Entity: tracker.EntityHabit, EntityID: "gone",
		Payload: json.RawMessage(`{"name":"x"}`),
	})
	require.NoError(t, err)
	f.putTask(t, "t1", "kept")

	require.NoError(t, f.svc.Push(ctx, user))

	assert.Zero(t, f.tracker.Len())
	assert.Equal(t, 1, f.backend.Count(user, tracker.EntityTask))
	assert.Equal(t, 1, f.logs.FilterMessage("dropping conflicting change").Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.svc.metrics.dropped.WithLabelValues(dropConflict)))
	assert.Equal(t, PushStats{Delivered: 1, Dropped: 1}, f.svc.Stats())
}

func TestPush_RejectedChangeIsDropped(t *testing.T) {
	f := newFixture(t)
	bad := f.putTask(t, "a", "a")
	f.putTask(t, "b", "b")
	f.backend.FailWith(func(c tracker.Change) error {
		if c.ID == bad.ID {
			return wire.ErrFractional
		}
		return nil
	})

	require.NoError(t, f.svc.Push(context.Background(), user))

	assert.Zero(t, f.tracker.Len())
	assert.Equal(t, 1, f.backend.Count(user, tracker.EntityTask))
	assert.Equal(t, 1, f.logs.FilterMessage("dropping change rejected by the backend").Len())
	assert.Equal(t, 1.0, promtest.ToFloat64(f.svc.metrics.dropped.WithLabelValues(dropRejected)))
}

func TestPush_ConstraintRejectionIsNotRetried(t *testing.T) {
	f := newFixture(t)
	bad := f.putTask(t, "a", "a")
	f.putTask(t, "b", "b")
	f.backend.FailWith(func(c tracker.Change) error {
		if c.ID == bad.ID {
			return &remote.RejectedError{ChangeID: c.ID, Code: "23514", Err: errors.New("check constraint")}
		}
		return nil
	})

	require.NoError(t, f.svc.Push(context.Background(), user))

	assert.Zero(t, f.tracker.Len(), "a rejected change must not block the queue")
	_, ok := f.backend.Get(user, tracker.EntityTask, "b")
	assert.True(t, ok)
	assert.Equal(t, PushStats{Delivered: 1, Dropped: 1}, f.svc.Stats())
	assert.NoError(t, f.svc.Status().LastError)
}

func TestPush_CoalescesConcurrentTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.putTask(t, "a", "a")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.FailWith(func(c tracker.Change) error {
		if c.ID == first.ID {
			once.Do(func() { close(entered) })
			<-release
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- f.svc.Push(ctx, user) }()
	<-entered

	// Recorded while the first drain is blocked in the backend.
	f.putTask(t, "b", "b")
	require.NoError(t, f.svc.Push(ctx, user), "a second trigger returns at once")
	require.NoError(t, f.svc.Push(ctx, user))
	assert.True(t, f.svc.Status().Syncing)

	close(release)
	require.NoError(t, <-done)

	assert.Zero(t, f.tracker.Len())
	assert.Equal(t, 2, f.backend.Count(user, tracker.EntityTask))
	_, applies := f.backend.Calls()
	assert.Equal(t, 2, applies, "no change is sent twice")
	assert.Equal(t, 2.0, promtest.ToFloat64(f.svc.metrics.coalesced))
	assert.Equal(t, 2.0, promtest.ToFloat64(f.svc.metrics.attempts.WithLabelValues("push", resultOK)))
}

func TestPush_RedeliveryAfterCrashIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.putTask(t, "a", "a")
	f.complete(t, ledger.ActionTask)

	// Deliver the drained changes but crash before acknowledging them.
	drained, err := f.tracker.Drain(ctx)
	require.NoError(t, err)
	for _, c := range drained {
		require.NoError(t, f.backend.Apply(ctx, user, c))
	}
	entryID := f.replica.History()[0].ID
	before, ok := f.backend.Get(user, tracker.EntityGamification, entryID)
	require.True(t, ok)

	f.open(t)
	assert.Equal(t, changeIDs(drained), changeIDs(f.tracker.Pending()), "in-flight changes are re-queued")

	require.NoError(t, f.svc.Push(ctx, user))
	assert.Zero(t, f.tracker.Len())
	assert.Equal(t, 1, f.backend.Count(user, tracker.EntityTask))
	assert.Equal(t, 1, f.backend.Count(user, tracker.EntityGamification))
	after, _ := f.backend.Get(user, tracker.EntityGamification, entryID)
	assert.JSONEq(t, string(before), string(after))
}

func TestPull_ReseedsReplica(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	history := []ledger.HistoryItem{
		{ID: "h1", Timestamp: t0.Add(-48 * time.Hour), ActionType: ledger.ActionGoal, XPDelta: 100, CoinsDelta: 50},
		{ID: "h2", Timestamp: t0.Add(-time.Hour), ActionType: ledger.ActionMilestone, XPDelta: 50, CoinsDelta: 25},
	}
	g, err := wire.Encode(remote.Gamification{History: history})
	require.NoError(t, err)
	f.backend.Seed(user, tracker.EntityGamification, "", g)
	f.backend.Seed(user, tracker.EntityTask, "r1", json.RawMessage(`{"title":"remote"}`))
	f.backend.Seed(user, tracker.EntitySettings, "", json.RawMessage(`{"theme":"dark"}`))

	require.NoError(t, f.svc.Pull(ctx, user))

	assert.Equal(t, 150, f.replica.State().XP)
	assert.Equal(t, 75, f.replica.State().Coins)
	_, ok := f.replica.Entity(tracker.EntityTask, "r1")
	assert.True(t, ok)
	_, ok = f.replica.Entity(tracker.EntitySettings, "")
	assert.True(t, ok)
	assert.Equal(t, user, f.svc.State().UserID)
	assert.Equal(t, t0, f.svc.State().LastSyncTimestamp)
}

func TestPull_OncePerSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.Pull(ctx, user))
	require.NoError(t, f.svc.Pull(ctx, user))
	loads, _ := f.backend.Calls()
	assert.Equal(t, 1, loads)

	require.NoError(t, f.svc.Pull(ctx, "user-2"))
	loads, _ = f.backend.Calls()
	assert.Equal(t, 2, loads, "the guard is per user")

	require.NoError(t, f.svc.Refresh(ctx, user))
	loads, _ = f.backend.Calls()
	assert.Equal(t, 3, loads, "refresh forces a pull")
}

// gatedBackend blocks LoadAll until the gate is closed.
type gatedBackend struct {
	*remote.Memory
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func (b *gatedBackend) LoadAll(ctx context.Context, userID string) (remote.Snapshot, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.gate
	return b.Memory.LoadAll(ctx, userID)
}

func TestPull_ConcurrentCallersShareOnePull(t *testing.T) {
	f := newFixture(t)
	gb := &gatedBackend{Memory: f.backend, entered: make(chan struct{}), gate: make(chan struct{})}
	svc, err := New(context.Background(), f.kv, gb, f.replica, f.tracker, f.monitor)
	require.NoError(t, err)
	defer svc.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Pull(context.Background(), user)
		}()
	}
	<-gb.entered
	close(gb.gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	loads, _ := f.backend.Calls()
	assert.Equal(t, 1, loads)
}

func TestPull_FailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.SetReachable(false)

	err := f.svc.Pull(ctx, user)
	require.Error(t, err)
	assert.True(t, remote.IsTransport(err))
	assert.Error(t, f.svc.Status().LastError)

	f.backend.SetReachable(true)
	require.NoError(t, f.svc.Pull(ctx, user))
	loads, _ := f.backend.Calls()
	assert.Equal(t, 2, loads)
}

func TestPull_KeepsUndeliveredLocalChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.backend.Seed(user, tracker.EntityTask, "r1", json.RawMessage(`{"title":"remote"}`))
	f.putTask(t, "local", "offline edit")
	f.complete(t, ledger.ActionHabit)

	require.NoError(t, f.svc.Pull(ctx, user))

	_, ok := f.replica.Entity(tracker.EntityTask, "r1")
	assert.True(t, ok)
	_, ok = f.replica.Entity(tracker.EntityTask, "local")
	assert.True(t, ok, "pending edit is rebased onto the snapshot")
	assert.Equal(t, 10, f.replica.State().XP)
	assert.Equal(t, 2, f.tracker.Len())
	_, applies := f.backend.Calls()
	assert.Zero(t, applies, "pull does not push")
}

func TestPull_MergesOfflineEntryIntoRemoteLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Another device already delivered three goals.
	other := ledger.New()
	for i := 0; i < 3; i++ {
		entry, err := other.Append(ledger.HistoryItem{
			Timestamp: t0.Add(time.Duration(i-72) * time.Hour), ActionType: ledger.ActionGoal,
			XPDelta: 100, CoinsDelta: 50, Tags: []string{},
		})
		require.NoError(t, err)
		p, err := wire.Encode(entry)
		require.NoError(t, err)
		f.backend.Seed(user, tracker.EntityGamification, entry.ID, p)
	}

	// This replica starts empty and completes a habit before its first pull.
	f.complete(t, ledger.ActionHabit)
	require.Equal(t, 10, f.replica.State().XP)

	require.NoError(t, f.svc.Pull(ctx, user))

	assert.Equal(t, 310, f.replica.State().XP, "remote goals plus the offline habit")
	assert.Len(t, f.replica.History(), 4)
	assert.Equal(t, 3, f.backend.Count(user, tracker.EntityGamification), "pull leaves the remote alone")
	assert.Equal(t, 1, f.tracker.Len())

	require.NoError(t, f.svc.Push(ctx, user))
	assert.Zero(t, f.tracker.Len())
	snap, err := f.backend.LoadAll(ctx, user)
	require.NoError(t, err)
	assert.Len(t, snap.Gamification.History, 4, "the remote keeps every entry")

	require.NoError(t, f.svc.Refresh(ctx, user))
	assert.Equal(t, 310, f.replica.State().XP)
	assert.Len(t, f.replica.History(), 4, "a second pull does not duplicate the merged entry")
}

func TestPull_OldWholeLedgerChangeDoesNotShrinkRemote(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	history := []ledger.HistoryItem{
		{ID: "h1", Timestamp: t0.Add(-48 * time.Hour), ActionType: ledger.ActionGoal, XPDelta: 100, CoinsDelta: 50},
		{ID: "h2", Timestamp: t0.Add(-time.Hour), ActionType: ledger.ActionMilestone, XPDelta: 50, CoinsDelta: 25},
	}
	g, err := wire.Encode(remote.Gamification{History: history})
	require.NoError(t, err)
	f.backend.Seed(user, tracker.EntityGamification, "", g)

	// A queue written before ledger entries were sent one by one.
	partial, err := wire.Encode(remote.Gamification{History: []ledger.HistoryItem{
		{ID: "h9", Timestamp: t0, ActionType: ledger.ActionTask, XPDelta: 5, CoinsDelta: 2},
	}})
	require.NoError(t, err)
	_, err = f.tracker.Record(ctx, tracker.Change{Type: tracker.ChangeUpdate, Entity: tracker.EntityGamification, Payload: partial})
	require.NoError(t, err)

	require.NoError(t, f.svc.Pull(ctx, user))
	assert.Equal(t, 155, f.replica.State().XP)

	require.NoError(t, f.svc.Push(ctx, user))
	snap, err := f.backend.LoadAll(ctx, user)
	require.NoError(t, err)
	assert.Len(t, snap.Gamification.History, 3)
}

func TestPull_ClearsNeedsPull(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.kv.Set(ctx, store.KeyLedger, []byte("{broken")))
	f.open(t)
	require.True(t, f.replica.NeedsPull())

	require.NoError(t, f.svc.Pull(ctx, user))
	assert.False(t, f.replica.NeedsPull())
}

func TestSyncState_Persisted(t *testing.T) {
	f := newFixture(t, WithSyncConfig(SyncConfig{AutoSync: false, SyncIntervalMinutes: 15, EnableOfflineMode: true}))
	f.putTask(t, "a", "a")
	require.NoError(t, f.svc.Push(context.Background(), user))

	f.open(t)
	st := f.svc.State()
	assert.Equal(t, user, st.UserID)
	assert.Equal(t, t0, st.LastSyncTimestamp)
	assert.Equal(t, 15, st.Config.SyncIntervalMinutes)
	assert.False(t, st.Config.AutoSync)
	assert.True(t, st.IsOnline)
	assert.Empty(t, st.PendingChanges)
}

func TestSyncState_PendingChangesFromTracker(t *testing.T) {
	f := newFixture(t)
	c := f.putTask(t, "a", "a")
	assert.Equal(t, []string{c.ID}, changeIDs(f.svc.State().PendingChanges))
}

func TestSyncState_CorruptFallsBackToDefaults(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.kv.Set(context.Background(), store.KeySync, []byte("nope")))

	f.open(t)
	assert.Equal(t, DefaultSyncConfig(), f.svc.Config())
	assert.Equal(t, 1, f.logs.FilterMessage("discarding undecodable sync state").Len())
}

func TestSyncConfig_Interval(t *testing.T) {
	assert.Equal(t, 5*time.Minute, SyncConfig{}.Interval())
	assert.Equal(t, 30*time.Minute, SyncConfig{SyncIntervalMinutes: 30}.Interval())
}

func TestSubscribe_Status(t *testing.T) {
	f := newFixture(t)
	ch, cancel := f.svc.Subscribe()
	defer cancel()

	initial := <-ch
	assert.True(t, initial.Online)
	assert.Zero(t, initial.Pending)

	f.putTask(t, "a", "a")
	f.backend.SetReachable(false)
	require.Error(t, f.svc.Push(context.Background(), user))

	latest := <-ch
	assert.False(t, latest.Syncing)
	assert.Equal(t, 1, latest.Pending)
	assert.True(t, errors.Is(latest.LastError, remote.ErrUnreachable))
}
