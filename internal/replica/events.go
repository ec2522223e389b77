package replica

import (
	"github.com/roach88/questlog/internal/ledger"
	"github.com/roach88/questlog/internal/scoring"
	"github.com/roach88/questlog/internal/tracker"
)

// EventKind identifies what changed.
type EventKind string

const (
	EventCompleted     EventKind = "completed"
	EventEntityChanged EventKind = "entity_changed"
	EventReseeded      EventKind = "reseeded"
	EventRecomputed    EventKind = "recomputed"
)

// Event is published after every replica mutation.
type Event struct {
	Kind   EventKind
	State  scoring.State
	Entry  *ledger.HistoryItem
	Change *tracker.Change
}

// Subscribe returns a channel of replica events and a func that stops the
// subscription and closes the channel.
func (r *Replica) Subscribe() (<-chan Event, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	ch := make(chan Event, 1)
	if r.closed {
		close(ch)
		return ch, func() {}
	}
	id := r.subID
	r.subID++
	r.subs[id] = ch
	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

// Close ends every subscription.
func (r *Replica) Close() {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for id, ch := range r.subs {
		delete(r.subs, id)
		close(ch)
	}
}

// publish delivers ev to every subscriber without blocking. A full buffer
// holds a stale event, which is replaced by ev.
func (r *Replica) publish(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
