package remote

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/roach88/questlog/internal/tracker"
	"github.com/roach88/questlog/internal/wire"
)

//go:embed schema.sql
var schemaSQL string

const (
	sqlMarkApplied = `
        INSERT INTO questlog_applied_changes (change_id, user_id, applied_at)
        VALUES ($1, $2, $3)
        ON CONFLICT (change_id) DO NOTHING`

	sqlUpsertEntity = `
        INSERT INTO questlog_entities (user_id, entity, entity_id, payload, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, entity, entity_id) DO UPDATE SET
            payload = EXCLUDED.payload,
            updated_at = EXCLUDED.updated_at`

	sqlInsertEntity = `
        INSERT INTO questlog_entities (user_id, entity, entity_id, payload, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, entity, entity_id) DO NOTHING`

	sqlUpdateEntity = `
        UPDATE questlog_entities
        SET payload = $4, updated_at = $5
        WHERE user_id = $1 AND entity = $2 AND entity_id = $3`

	sqlDeleteEntity = `
        DELETE FROM questlog_entities
        WHERE user_id = $1 AND entity = $2 AND entity_id = $3`

	sqlLoadAll = `
        SELECT entity, entity_id, payload
        FROM questlog_entities
        WHERE user_id = $1
        ORDER BY entity ASC, entity_id ASC`
)

// DBPool abstracts *pgxpool.Pool so the adapter can be tested with pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres is the Backend backed by a PostgreSQL database.
type Postgres struct {
	pool DBPool
	log  *zap.Logger
	now  func() time.Time
}

var _ Backend = (*Postgres)(nil)

// NewPostgres wraps pool. It does not contact the database, so an offline
// client can be constructed at startup and connect later.
func NewPostgres(pool DBPool, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{pool: pool, log: logger.Named("postgres"), now: time.Now}
}

// Connect creates a lazily connecting pool for dsn.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, *pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parse remote dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("create pool: %w", err)
	}
	return NewPostgres(pool, logger), pool, nil
}

// Migrate creates the adapter's tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return transport("migrate", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return transport("ping", err)
	}
	return nil
}

func (p *Postgres) LoadAll(ctx context.Context, userID string) (Snapshot, error) {
	rows, err := p.pool.Query(ctx, sqlLoadAll, userID)
	if err != nil {
		return Snapshot{}, transport("load_all", err)
	}
	defer rows.Close()

	var b snapshotBuilder
	for rows.Next() {
		var (
			entity, id string
			payload    []byte
		)
		if err := rows.Scan(&entity, &id, &payload); err != nil {
			return Snapshot{}, transport("load_all", err)
		}
		if err := b.add(tracker.Entity(entity), id, payload); err != nil {
			// A row this client cannot interpret is skipped, not fatal.
			p.log.Warn("skipping unreadable entity",
				zap.String("entity", entity), zap.String("entity_id", id), zap.Error(err))
		}
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, transport("load_all", err)
	}
	return b.build(), nil
}

// Apply runs the change and its applied-id marker in one transaction.
//
// Gamification changes insert ledger entries by id and never overwrite one.
// SQLSTATE data and integrity errors (classes 22 and 23) come back as a
// RejectedError; every other failure is a TransportError.
func (p *Postgres) Apply(ctx context.Context, userID string, c tracker.Change) error {
	payload, err := p.payload(c)
	if err != nil {
		return err
	}
	var entries []Record
	if c.Entity == tracker.EntityGamification {
		if entries, err = ledgerRows(c); err != nil {
			return err
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return transport("apply", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			p.log.Error("failed to rollback transaction", zap.Error(rbErr))
		}
	}()

	now := p.now().UTC()
	tag, err := tx.Exec(ctx, sqlMarkApplied, c.ID, userID, now)
	if err != nil {
		return execError(c, err)
	}
	if tag.RowsAffected() == 0 {
		p.log.Debug("change already applied", zap.String("change_id", c.ID))
		return nil
	}

	switch {
	case c.Entity == tracker.EntityGamification:
		for _, e := range entries {
			if _, err := tx.Exec(ctx, sqlInsertEntity, userID, string(c.Entity), e.ID, e.Payload, now); err != nil {
				return execError(c, err)
			}
		}
	case c.Type == tracker.ChangeDelete:
		tag, err = tx.Exec(ctx, sqlDeleteEntity, userID, string(c.Entity), c.EntityID)
		if err != nil {
			return execError(c, err)
		}
		if tag.RowsAffected() == 0 && c.Entity.IsCollection() {
			return conflict(c)
		}
	case c.Type == tracker.ChangeUpdate && c.Entity.IsCollection():
		tag, err = tx.Exec(ctx, sqlUpdateEntity, userID, string(c.Entity), c.EntityID, payload, now)
		if err != nil {
			return execError(c, err)
		}
		if tag.RowsAffected() == 0 {
			return conflict(c)
		}
	default:
		if _, err := tx.Exec(ctx, sqlUpsertEntity, userID, string(c.Entity), c.EntityID, payload, now); err != nil {
			return execError(c, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return transport("apply", err)
	}
	return nil
}

// payload re-canonicalizes the change payload; deletes carry none.
func (p *Postgres) payload(c tracker.Change) (json.RawMessage, error) {
	if c.Type == tracker.ChangeDelete {
		return nil, nil
	}
	canon, err := wire.Canonicalize(c.Payload)
	if err != nil {
		return nil, fmt.Errorf("apply %s: %w", c.ID, err)
	}
	return canon, nil
}

// execError classifies a statement failure inside Apply. Data exceptions
// (class 22) and integrity violations (class 23) are permanent for this
// change; connection loss, timeouts, operator intervention (57) and
// anything else may pass on retry.
func execError(c tracker.Change, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return &RejectedError{ChangeID: c.ID, Code: pgErr.Code, Err: err}
	}
	return transport("apply", err)
}

// transport wraps err, keeping the SQLSTATE when Postgres returned one.
func transport(op string, err error) *TransportError {
	te := &TransportError{Op: op, Err: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		te.Code = pgErr.Code
	}
	return te
}
