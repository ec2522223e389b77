// Package ledger holds the append-only history of completed actions.
//
// The ledger is the single source of truth for every derived metric. Entries
// are immutable once appended and are never removed by this package.
//
// # Day Boundaries
//
// All calendar-day windows ("today", "last 7 days", "last 30 days") are cut
// in a fixed UTC-3 zone (Zone), never in the ambient location of the process.
// A completion at 01:30 UTC therefore belongs to the previous day, no matter
// which timezone the device runs in.
package ledger
