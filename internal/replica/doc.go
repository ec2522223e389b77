// Package replica is the local, always-available copy of a user's data.
//
// A Replica owns the ledger, the derived gamification state and the domain
// entities (tasks, habits, goals, shop, settings). Every mutation goes
// through its methods: the change is applied locally, persisted, and
// recorded in the tracker for the reconciliation service to push.
//
// Derived state is a cache. It is recomputed from the ledger after every
// completion and whenever Recompute is called, never edited directly.
//
// Subscribers receive the latest Event on a buffered channel. A slow
// subscriber only ever misses intermediate events, never the newest one.
package replica
