package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/questlog/internal/wire"
)

// Ledger is an append-only, insertion-ordered sequence of HistoryItems.
//
// Thread-safety: all methods are safe for concurrent use. Readers always
// receive copies, so callers can never mutate stored entries.
type Ledger struct {
	mu    sync.RWMutex
	items []HistoryItem
}

// New creates a ledger seeded with items, in the given order.
func New(items ...HistoryItem) *Ledger {
	l := &Ledger{items: make([]HistoryItem, 0, len(items))}
	for _, it := range items {
		l.items = append(l.items, it.clone())
	}
	return l
}

// Append adds entry to the end of the ledger and returns the stored copy.
//
// An entry without an ID receives a content-addressed one derived from its
// fields and position, so replaying the same history yields the same ids.
func (l *Ledger) Append(entry HistoryItem) (HistoryItem, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry = entry.clone()
	if entry.ID == "" {
		id, err := entryID(len(l.items), entry)
		if err != nil {
			return HistoryItem{}, fmt.Errorf("append: %w", err)
		}
		entry.ID = id
	}
	l.items = append(l.items, entry)
	return entry.clone(), nil
}

// Merge adds every entry whose ID the ledger does not hold yet and returns
// how many were added. Entries keep their IDs. The result is ordered by
// timestamp; entries with equal timestamps keep their relative order, with
// existing entries first.
//
// Entries without an ID are skipped: only entries that came out of Append
// can be matched across replicas.
func (l *Ledger) Merge(entries ...HistoryItem) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{}, len(l.items)+len(entries))
	for _, it := range l.items {
		seen[it.ID] = struct{}{}
	}
	added := 0
	for _, it := range entries {
		if it.ID == "" {
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		l.items = append(l.items, it.clone())
		added++
	}
	if added > 0 {
		sort.SliceStable(l.items, func(i, j int) bool {
			return l.items[i].Timestamp.Before(l.items[j].Timestamp)
		})
	}
	return added
}

func entryID(position int, entry HistoryItem) (string, error) {
	tags := make([]any, len(entry.Tags))
	for i, t := range entry.Tags {
		tags[i] = t
	}
	return wire.ContentID(wire.DomainHistory, map[string]any{
		"position":   position,
		"timestamp":  entry.Timestamp.UTC().Format(time.RFC3339Nano),
		"actionType": string(entry.ActionType),
		"xpDelta":    entry.XPDelta,
		"coinsDelta": entry.CoinsDelta,
		"tags":       tags,
		"category":   entry.Category,
	})
}

// Window returns every entry with a timestamp at or after since,
// in insertion order.
func (l *Ledger) Window(since time.Time) []HistoryItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return window(l.items, since)
}

// Today returns the entries of now's calendar day.
func (l *Ledger) Today(now time.Time) []HistoryItem {
	return l.Window(DayStart(now))
}

// LastDays returns the entries of the n-day window ending today.
func (l *Ledger) LastDays(now time.Time, n int) []HistoryItem {
	return l.Window(WindowStart(now, n))
}

// Items returns a copy of the whole ledger.
func (l *Ledger) Items() []HistoryItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]HistoryItem, len(l.items))
	for i, it := range l.items {
		out[i] = it.clone()
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Validate returns one ValidationError per malformed entry.
func (l *Ledger) Validate() []error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var errs []error
	for i, it := range l.items {
		if err := it.Validate(); err != nil {
			if ve, ok := err.(*ValidationError); ok {
				ve.Index = i
			}
			errs = append(errs, err)
		}
	}
	return errs
}

// WindowOf filters a plain slice the same way Ledger.Window does.
func WindowOf(items []HistoryItem, since time.Time) []HistoryItem {
	return window(items, since)
}

func window(items []HistoryItem, since time.Time) []HistoryItem {
	out := []HistoryItem{}
	for _, it := range items {
		if !it.Timestamp.Before(since) {
			out = append(out, it.clone())
		}
	}
	return out
}
