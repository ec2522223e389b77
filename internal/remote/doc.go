// Package remote defines the contract the reconciliation layer consumes
// from the remote backend, plus two adapters.
//
// # Contract
//
//   - LoadAll returns the user's full Snapshot.
//   - Apply upserts or deletes one entity by id. Redelivering a change whose
//     ID was already applied is a no-op. Updating or deleting a collection
//     entity that does not exist fails with *ConflictError.
//   - Any failure to reach or be accepted by the backend is *TransportError;
//     the change stays queued and is retried later.
//
// Payloads cross the boundary as canonical JSON with integer numbers only.
//
// # Adapters
//
// Postgres stores entities in questlog_entities and remembers applied change
// ids in questlog_applied_changes, both written in one transaction. Memory is
// the in-process backend used by tests and the offline demo mode.
package remote
