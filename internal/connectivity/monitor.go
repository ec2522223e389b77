package connectivity

import (
	"sync"

	"go.uber.org/zap"
)

// Monitor deduplicates Port reports into transitions.
//
// Thread-safety: all methods are safe for concurrent use. Hooks run on the
// goroutine that delivered the transition, outside the monitor's lock.
type Monitor struct {
	logger *zap.Logger

	mu       sync.Mutex
	online   bool
	next     int
	onOnline map[int]func()
	onChange map[int]func(bool)

	unsubscribe func()
}

// NewMonitor starts tracking port. The initial state is port.Current().
func NewMonitor(port Port, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		logger:   logger.Named("connectivity"),
		online:   port.Current(),
		onOnline: make(map[int]func()),
		onChange: make(map[int]func(bool)),
	}
	m.unsubscribe = port.Subscribe(m.report)
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnOnline registers fn for offline to online transitions.
// The returned func removes the hook.
func (m *Monitor) OnOnline(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.onOnline[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onOnline, id)
	}
}

// OnChange registers fn for every transition in either direction.
func (m *Monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.onChange[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onChange, id)
	}
}

// Close detaches the monitor from its port.
func (m *Monitor) Close() {
	m.unsubscribe()
}

func (m *Monitor) report(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	changes := make([]func(bool), 0, len(m.onChange))
	for _, fn := range m.onChange {
		changes = append(changes, fn)
	}
	var hooks []func()
	if online {
		for _, fn := range m.onOnline {
			hooks = append(hooks, fn)
		}
	}
	m.mu.Unlock()

	m.logger.Info("connectivity changed", zap.Bool("online", online))
	for _, fn := range changes {
		fn(online)
	}
	for _, fn := range hooks {
		fn()
	}
}
