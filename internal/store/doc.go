// Package store provides the local persistent key-value store.
//
// Every replica component persists through the KV port:
//
//	questlog/ledger/v1   ledger history and cached state
//	questlog/pending/v1  pending and in-flight changes
//	questlog/replica/v1  domain entities
//	questlog/sync/v1     sync state
//
// Two adapters ship with the package: SQLite (durable, used by the CLI and
// daemon) and Memory (tests and ephemeral sessions).
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//
// Values are opaque bytes. GetJSON and SetJSON layer JSON on top; a value
// that no longer decodes surfaces as *CorruptError so callers can treat it
// as absent and schedule a fresh pull.
package store
