package reconcile

import (
	"sync"
	"time"
)

// Status is the user-visible sync status. Sync failures surface here and
// nowhere else.
type Status struct {
	Online   bool
	Syncing  bool
	Pending  int
	LastSync time.Time
	// LastError is the most recent failure, cleared by the next success.
	LastError error
}

// statusHub fans Status values out to subscribers. Each subscriber holds at
// most one undelivered value; a newer one replaces it.
type statusHub struct {
	mu     sync.Mutex
	next   int
	subs   map[int]chan Status
	closed bool
}

func newStatusHub() *statusHub {
	return &statusHub{subs: make(map[int]chan Status)}
}

func (h *statusHub) subscribe(current Status) (<-chan Status, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Status, 1)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- current
	id := h.next
	h.next++
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

func (h *statusHub) publish(st Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}

func (h *statusHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
