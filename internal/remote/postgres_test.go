package remote

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/questlog/internal/tracker"
	"github.com/roach88/questlog/internal/wire"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

var fixedNow = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

func newMockBackend(t *testing.T) (*Postgres, pgxmock.PgxPoolIface, *observer.ObservedLogs) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	core, logs := observer.New(zapcore.WarnLevel)
	p := NewPostgres(mockPool, zap.New(core))
	p.now = func() time.Time { return fixedNow }
	return p, mockPool, logs
}

func taskUpdate(id, entityID string) tracker.Change {
	return tracker.Change{
		ID: id, Type: tracker.ChangeUpdate, Entity: tracker.EntityTask, EntityID: entityID,
		Payload: json.RawMessage(`{"title":"water plants","done":true}`), Timestamp: fixedNow,
	}
}

func TestPostgres_ApplyUpsert(t *testing.T) {
	p, mockPool, logs := newMockBackend(t)
	c := tracker.Change{
		ID: "c-1", Type: tracker.ChangeCreate, Entity: tracker.EntityHabit, EntityID: "h1",
		Payload: json.RawMessage(`{ "name": "run" }`),
	}

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-1", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertEntity)).
		WithArgs("u1", "habit", "h1", json.RawMessage(`{"name":"run"}`), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, p.Apply(context.Background(), "u1", c))
	assert.NoError(t, mockPool.ExpectationsWereMet())
	assert.Empty(t, logs.All(), "no errors logged on successful commit")
}

func TestPostgres_ApplySingletonUpdateUpserts(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	c := tracker.Change{
		ID: "c-2", Type: tracker.ChangeUpdate, Entity: tracker.EntitySettings,
		Payload: json.RawMessage(`{"theme":"dark"}`),
	}

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-2", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertEntity)).
		WithArgs("u1", "settings", "", json.RawMessage(`{"theme":"dark"}`), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, p.Apply(context.Background(), "u1", c))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyRedeliveryIsNoop(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-1", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mockPool.ExpectRollback()

	require.NoError(t, p.Apply(context.Background(), "u1", taskUpdate("c-1", "t1")))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyUpdateMissingIsConflict(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-9", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpdateEntity)).
		WithArgs("u1", "task", "gone", json.RawMessage(`{"done":true,"title":"water plants"}`), fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mockPool.ExpectRollback()

	err := p.Apply(context.Background(), "u1", taskUpdate("c-9", "gone"))
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "gone", ce.EntityID)
	assert.True(t, IsConflict(err))
	assert.False(t, IsTransport(err))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyDeleteMissingIsConflict(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	c := tracker.Change{ID: "c-3", Type: tracker.ChangeDelete, Entity: tracker.EntityGoal, EntityID: "g1"}

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-3", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteEntity)).
		WithArgs("u1", "goal", "g1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mockPool.ExpectRollback()

	err := p.Apply(context.Background(), "u1", c)
	assert.True(t, IsConflict(err))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyBeginFailureIsTransport(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	connErr := errors.New("connection refused")
	mockPool.ExpectBegin().WillReturnError(connErr)

	err := p.Apply(context.Background(), "u1", taskUpdate("c-1", "t1"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "apply", te.Op)
	assert.ErrorIs(t, err, connErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyKeepsSQLState(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-1", "u1", fixedNow).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})
	mockPool.ExpectRollback()

	err := p.Apply(context.Background(), "u1", taskUpdate("c-1", "t1"))
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "42P01", te.Code)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyConstraintViolationIsRejected(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-1", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpdateEntity)).
		WithArgs("u1", "task", "t1", json.RawMessage(`{"done":true,"title":"water plants"}`), fixedNow).
		WillReturnError(&pgconn.PgError{Code: "23514", Message: "new row violates check constraint"})
	mockPool.ExpectRollback()

	err := p.Apply(context.Background(), "u1", taskUpdate("c-1", "t1"))
	var re *RejectedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "23514", re.Code)
	assert.Equal(t, "c-1", re.ChangeID)
	assert.True(t, IsRejected(err))
	assert.False(t, IsTransport(err), "a constraint violation must not be retried")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyErrorClasses(t *testing.T) {
	tests := []struct {
		code      string
		transport bool
	}{
		{code: "22P02", transport: false},
		{code: "23505", transport: false},
		{code: "57P01", transport: true},
		{code: "57014", transport: true},
		{code: "08006", transport: true},
		{code: "40001", transport: true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			p, mockPool, _ := newMockBackend(t)
			mockPool.ExpectBegin()
			mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
				WithArgs("c-1", "u1", fixedNow).
				WillReturnError(&pgconn.PgError{Code: tt.code})
			mockPool.ExpectRollback()

			err := p.Apply(context.Background(), "u1", taskUpdate("c-1", "t1"))
			require.Error(t, err)
			assert.Equal(t, tt.transport, IsTransport(err))
			assert.Equal(t, !tt.transport, IsRejected(err))
		})
	}
}

func TestPostgres_ApplyLedgerEntryInsertsByID(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	entry := `{"actionType":"habit","coinsDelta":5,"id":"h-7","tags":["fitness"],"timestamp":"2026-03-10T15:00:00Z","xpDelta":10}`
	c := tracker.Change{
		ID: "c-5", Type: tracker.ChangeCreate, Entity: tracker.EntityGamification, EntityID: "h-7",
		Payload: json.RawMessage(entry),
	}

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-5", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEntity)).
		WithArgs("u1", "gamification", "h-7", json.RawMessage(entry), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, p.Apply(context.Background(), "u1", c))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyWholeLedgerInsertsEachEntry(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	c := tracker.Change{
		ID: "c-6", Type: tracker.ChangeUpdate, Entity: tracker.EntityGamification,
		Payload: json.RawMessage(`{"history":[
			{"id":"h1","timestamp":"2026-03-10T15:00:00Z","actionType":"task","xpDelta":5,"coinsDelta":2,"tags":[]},
			{"id":"h2","timestamp":"2026-03-10T16:00:00Z","actionType":"goal","xpDelta":100,"coinsDelta":50,"tags":[]}
		]}`),
	}

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlMarkApplied)).
		WithArgs("c-6", "u1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEntity)).
		WithArgs("u1", "gamification", "h1", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertEntity)).
		WithArgs("u1", "gamification", "h2", pgxmock.AnyArg(), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	require.NoError(t, p.Apply(context.Background(), "u1", c))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_ApplyLedgerDeleteIsRejected(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	c := tracker.Change{ID: "c-8", Type: tracker.ChangeDelete, Entity: tracker.EntityGamification, EntityID: "h1"}

	err := p.Apply(context.Background(), "u1", c)
	assert.True(t, IsRejected(err))
	assert.NoError(t, mockPool.ExpectationsWereMet(), "nothing reaches the database")
}

func TestPostgres_ApplyRejectsFractionalPayload(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	c := tracker.Change{
		ID: "c-1", Type: tracker.ChangeUpdate, Entity: tracker.EntityGamification,
		Payload: json.RawMessage(`{"vitality":51.5}`),
	}

	err := p.Apply(context.Background(), "u1", c)
	assert.ErrorIs(t, err, wire.ErrFractional)
	assert.NoError(t, mockPool.ExpectationsWereMet(), "nothing reaches the database")
}

func TestPostgres_LoadAll(t *testing.T) {
	p, mockPool, logs := newMockBackend(t)

	rows := pgxmock.NewRows([]string{"entity", "entity_id", "payload"}).
		AddRow("gamification", "", []byte(`{"history":[{"id":"h1","timestamp":"2026-03-10T15:00:00Z","actionType":"habit","xpDelta":10,"coinsDelta":5,"tags":["fitness"]}],"state":{"xp":10}}`)).
		AddRow("gamification", "h0", []byte(`{"id":"h0","timestamp":"2026-03-10T14:00:00Z","actionType":"task","xpDelta":5,"coinsDelta":2,"tags":[]}`)).
		AddRow("gamification", "h1", []byte(`{"id":"h1","timestamp":"2026-03-10T15:00:00Z","actionType":"habit","xpDelta":10,"coinsDelta":5,"tags":["fitness"]}`)).
		AddRow("settings", "", []byte(`{"theme":"dark"}`)).
		AddRow("task", "t2", []byte(`{"title":"b"}`)).
		AddRow("task", "t1", []byte(`{"title":"a"}`)).
		AddRow("pet", "p1", []byte(`{}`))
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlLoadAll)).WithArgs("u1").WillReturnRows(rows)

	snap, err := p.LoadAll(context.Background(), "u1")
	require.NoError(t, err)

	require.Len(t, snap.Gamification.History, 2, "entries merge by id")
	assert.Equal(t, "h0", snap.Gamification.History[0].ID)
	assert.Equal(t, 10, snap.Gamification.History[1].XPDelta)
	assert.JSONEq(t, `{"xp":10}`, string(snap.Gamification.State))
	assert.JSONEq(t, `{"theme":"dark"}`, string(snap.Settings))
	require.Len(t, snap.Tasks, 2)
	assert.Equal(t, "t1", snap.Tasks[0].ID)
	assert.Len(t, logs.FilterMessage("skipping unreadable entity").All(), 1)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_LoadAllQueryFailure(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlLoadAll)).WithArgs("u1").WillReturnError(errors.New("timeout"))

	_, err := p.LoadAll(context.Background(), "u1")
	assert.True(t, IsTransport(err))
}

func TestPostgres_Ping(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	mockPool.ExpectPing().WillReturnError(errors.New("database unavailable"))

	err := p.Ping(context.Background())
	assert.True(t, IsTransport(err))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestPostgres_Migrate(t *testing.T) {
	p, mockPool, _ := newMockBackend(t)
	mockPool.ExpectExec("CREATE TABLE IF NOT EXISTS questlog_entities").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
