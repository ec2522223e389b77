// Package tracker records local mutations as pending changes and hands them
// to the reconciliation service.
//
// The queue is durable: every mutation is persisted under
// store.KeyPending before Record returns. Drain moves changes into an
// in-flight set that is persisted too; Ack forgets delivered changes and
// Requeue returns undelivered ones to the front of the queue in their
// original order. In-flight changes found when the tracker is opened are
// re-queued, giving at-least-once delivery across crashes. The remote side
// deduplicates by Change.ID.
//
// Signal returns a coalescing notification channel (buffer 1), the same
// wake-up pattern the scheduler loop uses to avoid busy polling.
package tracker
