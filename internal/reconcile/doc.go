// Package reconcile keeps the local replica and the remote backend
// convergent.
//
// Two flows are keyed by user id. Pull fetches the remote snapshot and
// re-seeds the replica; it runs at most once per session per user, and
// concurrent callers share one in-flight pull. Push drains the change
// tracker and applies each change remotely in enqueue order: delivered
// changes are acknowledged, a transport failure re-queues the rest, and a
// conflict drops the change. A push requested while one is running is
// folded into a single follow-up drain.
//
// Run is the scheduler: it pushes on a timer, on new local changes and when
// connectivity returns, and never retries a failing remote faster than the
// configured interval.
package reconcile
