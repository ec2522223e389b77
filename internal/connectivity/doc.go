// Package connectivity tracks whether the remote store is reachable.
//
// A Monitor is a two-state machine (online, offline) fed by an injected
// Port. Repeated signals for the current state are ignored, so hooks only
// ever fire on real transitions. The reconciliation scheduler registers an
// OnOnline hook to push queued changes as soon as the network returns.
package connectivity
