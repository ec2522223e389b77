package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/tracker"
	"github.com/roach88/questlog/internal/wire"
)

// Backend is the remote store port.
type Backend interface {
	// Ping checks reachability.
	Ping(ctx context.Context) error
	// LoadAll fetches everything stored for userID.
	LoadAll(ctx context.Context, userID string) (Snapshot, error)
	// Apply applies one change idempotently.
	Apply(ctx context.Context, userID string, c tracker.Change) error
}

// Record is one collection entity.
type Record struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Gamification is the ledger plus the cached state written by older clients.
//
// The remote stores the ledger one entry per row, keyed by the entry ID, so
// appends from several replicas merge instead of replacing each other.
type Gamification struct {
	History []ledger.HistoryItem `json:"history"`
	State   json.RawMessage      `json:"state,omitempty"`
}

// Snapshot is the full remote state of one user.
type Snapshot struct {
	Gamification Gamification    `json:"gamification"`
	Tasks        []Record        `json:"tasks"`
	Habits       []Record        `json:"habits"`
	Goals        []Record        `json:"goals"`
	Shop         json.RawMessage `json:"shop,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
}

// Records returns the collection for e, or nil for singletons.
func (s Snapshot) Records(e tracker.Entity) []Record {
	switch e {
	case tracker.EntityTask:
		return s.Tasks
	case tracker.EntityHabit:
		return s.Habits
	case tracker.EntityGoal:
		return s.Goals
	default:
		return nil
	}
}

// Empty reports whether the snapshot carries no data at all.
func (s Snapshot) Empty() bool {
	return len(s.Gamification.History) == 0 && len(s.Gamification.State) == 0 &&
		len(s.Tasks) == 0 && len(s.Habits) == 0 && len(s.Goals) == 0 &&
		len(s.Shop) == 0 && len(s.Settings) == 0
}

// ledgerRows returns the rows a gamification change writes, keyed by entry
// ID. A change for one entry carries a HistoryItem. A change without an
// entry ID carries a whole Gamification document; its entries are written
// one by one, so an old client's partial ledger never replaces a longer one.
//
// Ledger entries are immutable: callers insert rows that are missing and
// leave existing rows alone.
func ledgerRows(c tracker.Change) ([]Record, error) {
	if c.Type == tracker.ChangeDelete {
		return nil, rejected(c, errors.New("ledger entries cannot be deleted"))
	}
	if c.EntityID == "" {
		var g Gamification
		if err := json.Unmarshal(c.Payload, &g); err != nil {
			return nil, rejected(c, fmt.Errorf("decode gamification: %w", err))
		}
		rows := make([]Record, 0, len(g.History))
		for _, it := range g.History {
			if it.ID == "" {
				continue
			}
			p, err := wire.Encode(it)
			if err != nil {
				return nil, rejected(c, err)
			}
			rows = append(rows, Record{ID: it.ID, Payload: p})
		}
		return rows, nil
	}

	var it ledger.HistoryItem
	if err := json.Unmarshal(c.Payload, &it); err != nil {
		return nil, rejected(c, fmt.Errorf("decode ledger entry: %w", err))
	}
	if it.ID != "" && it.ID != c.EntityID {
		return nil, rejected(c, fmt.Errorf("ledger entry id %q does not match %q", it.ID, c.EntityID))
	}
	p, err := wire.Canonicalize(c.Payload)
	if err != nil {
		return nil, rejected(c, err)
	}
	return []Record{{ID: c.EntityID, Payload: p}}, nil
}

// snapshotBuilder assembles a Snapshot from stored (entity, id, payload) rows.
type snapshotBuilder struct {
	snap    Snapshot
	history []ledger.HistoryItem
}

func (b *snapshotBuilder) add(entity tracker.Entity, id string, payload json.RawMessage) error {
	payload = append(json.RawMessage(nil), payload...)
	switch entity {
	case tracker.EntityTask:
		b.snap.Tasks = append(b.snap.Tasks, Record{ID: id, Payload: payload})
	case tracker.EntityHabit:
		b.snap.Habits = append(b.snap.Habits, Record{ID: id, Payload: payload})
	case tracker.EntityGoal:
		b.snap.Goals = append(b.snap.Goals, Record{ID: id, Payload: payload})
	case tracker.EntityShop:
		b.snap.Shop = payload
	case tracker.EntitySettings:
		b.snap.Settings = payload
	case tracker.EntityGamification:
		if id == "" {
			var g Gamification
			if err := json.Unmarshal(payload, &g); err != nil {
				return fmt.Errorf("decode gamification: %w", err)
			}
			b.history = append(b.history, g.History...)
			b.snap.Gamification.State = g.State
			return nil
		}
		var it ledger.HistoryItem
		if err := json.Unmarshal(payload, &it); err != nil {
			return fmt.Errorf("decode ledger entry %s: %w", id, err)
		}
		if it.ID == "" {
			it.ID = id
		}
		b.history = append(b.history, it)
	default:
		return fmt.Errorf("unknown entity %q", entity)
	}
	return nil
}

// build returns the snapshot with collections sorted by id and the ledger
// sorted by timestamp, then id, with duplicate entries removed.
func (b *snapshotBuilder) build() Snapshot {
	for _, recs := range [][]Record{b.snap.Tasks, b.snap.Habits, b.snap.Goals} {
		sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	}

	h := b.history
	sort.SliceStable(h, func(i, j int) bool {
		if !h[i].Timestamp.Equal(h[j].Timestamp) {
			return h[i].Timestamp.Before(h[j].Timestamp)
		}
		return h[i].ID < h[j].ID
	})
	seen := make(map[string]struct{}, len(h))
	history := make([]ledger.HistoryItem, 0, len(h))
	for _, it := range h {
		if it.ID != "" {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
		}
		history = append(history, it)
	}
	if len(history) > 0 {
		b.snap.Gamification.History = history
	}
	return b.snap
}
