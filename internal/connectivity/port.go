package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Port is the platform's view of connectivity.
type Port interface {
	// Current reports the last known state.
	Current() bool
	// Subscribe registers fn for state reports. fn may be called with the
	// same value repeatedly. The returned func unsubscribes.
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// subscribers is the fan-out shared by the bundled ports.
type subscribers struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(bool)
}

func (s *subscribers) add(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.fns, id)
		})
	}
}

// emit calls every subscriber outside the lock.
func (s *subscribers) emit(online bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// ManualPort is a Port whose state is set by the caller.
// Used by tests and by the CLI's --offline flag.
type ManualPort struct {
	mu     sync.Mutex
	online bool
	subs   subscribers
}

// NewManualPort creates a port in the given state.
func NewManualPort(online bool) *ManualPort {
	return &ManualPort{online: online}
}

func (p *ManualPort) Current() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *ManualPort) Subscribe(fn func(bool)) func() {
	return p.subs.add(fn)
}

// Set reports a new state to subscribers, even if unchanged.
func (p *ManualPort) Set(online bool) {
	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
	p.subs.emit(online)
}

// ProbeFunc checks reachability; nil means online.
type ProbeFunc func(ctx context.Context) error

// PollingPort derives connectivity from a periodic probe, typically the
// remote backend's Ping.
type PollingPort struct {
	probe    ProbeFunc
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	online bool
	subs   subscribers
}

// NewPollingPort creates a port that probes every interval. Each probe is
// bounded by timeout; a zero timeout uses the interval.
func NewPollingPort(probe ProbeFunc, interval, timeout time.Duration, logger *zap.Logger) *PollingPort {
	if timeout <= 0 {
		timeout = interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollingPort{
		probe:    probe,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("probe"),
	}
}

func (p *PollingPort) Current() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *PollingPort) Subscribe(fn func(bool)) func() {
	return p.subs.add(fn)
}

// Check runs one probe and reports the result.
func (p *PollingPort) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.probe(probeCtx)
	online := err == nil
	if err != nil && ctx.Err() == nil {
		p.logger.Debug("probe failed", zap.Error(err))
	}

	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
	p.subs.emit(online)
	return online
}

// Run probes immediately and then every interval until ctx is done.
func (p *PollingPort) Run(ctx context.Context) error {
	p.Check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}
