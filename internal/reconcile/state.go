package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/questlog/internal/store"
	"github.com/roach88/questlog/internal/tracker"
)

// DefaultSyncIntervalMinutes is used when the configured interval is not positive.
const DefaultSyncIntervalMinutes = 5

// SyncConfig controls the scheduler.
type SyncConfig struct {
	// AutoSync pushes on new changes and on reconnect. When false only
	// explicit Push calls deliver changes.
	AutoSync bool `json:"autoSync"`

	SyncIntervalMinutes int `json:"syncIntervalMinutes"`

	// EnableOfflineMode gates scheduled pushes on the connectivity monitor.
	// When false the scheduler attempts every trigger regardless of the
	// reported state and lets the backend fail.
	EnableOfflineMode bool `json:"enableOfflineMode"`
}

// DefaultSyncConfig returns auto-sync every five minutes with offline mode on.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{AutoSync: true, SyncIntervalMinutes: DefaultSyncIntervalMinutes, EnableOfflineMode: true}
}

// Interval returns the sync interval as a duration.
func (c SyncConfig) Interval() time.Duration {
	m := c.SyncIntervalMinutes
	if m <= 0 {
		m = DefaultSyncIntervalMinutes
	}
	return time.Duration(m) * time.Minute
}

// SyncState is the persisted synchronization state.
//
// PendingChanges is filled from the tracker when read; the queue itself is
// persisted by the tracker under store.KeyPending, not here.
type SyncState struct {
	IsOnline          bool             `json:"isOnline"`
	LastSyncTimestamp time.Time        `json:"lastSyncTimestamp,omitzero"`
	PendingChanges    []tracker.Change `json:"pendingChanges,omitempty"`
	UserID            string           `json:"userId,omitempty"`
	Config            SyncConfig       `json:"config"`
}

// loadState reads the persisted SyncState. Missing or undecodable data
// yields a fresh state with cfg; the bool reports whether data was discarded.
func loadState(ctx context.Context, kv store.KV, cfg SyncConfig) (SyncState, bool, error) {
	st := SyncState{Config: cfg}
	err := store.GetJSON(ctx, kv, store.KeySync, &st)
	var ce *store.CorruptError
	switch {
	case err == nil:
		st.PendingChanges = nil
		return st, false, nil
	case errors.Is(err, store.ErrNotFound):
		return SyncState{Config: cfg}, false, nil
	case errors.As(err, &ce):
		return SyncState{Config: cfg}, true, nil
	default:
		return SyncState{}, false, fmt.Errorf("load sync state: %w", err)
	}
}

func saveState(ctx context.Context, kv store.KV, st SyncState) error {
	st.PendingChanges = nil
	return store.SetJSON(ctx, kv, store.KeySync, st)
}
