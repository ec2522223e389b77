package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Trigger names, used in logs.
const (
	triggerTick   = "tick"
	triggerChange = "change"
	triggerOnline = "online"
)

// Run is the sync scheduler for userID. It blocks until ctx is done and
// returns ctx.Err().
//
// Run pulls at start when the remote looks reachable, retrying the pull on
// later ticks and reconnects until it succeeds once. With AutoSync on it
// pushes every sync interval, after local changes, and on an offline to
// online transition; without AutoSync only explicit Push calls deliver.
//
// While the last attempt failed, change-triggered pushes are rate limited to
// one per interval so a down network is not hot-looped. Each tick also
// recomputes derived state so day windows and decay move past midnight.
func (s *Service) Run(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	cfg := s.Config()
	interval := cfg.Interval()

	regained := make(chan struct{}, 1)
	removeOnline := s.monitor.OnOnline(func() {
		// Non-blocking - buffer of 1 coalesces transitions
		select {
		case regained <- struct{}{}:
		default:
		}
	})
	defer removeOnline()
	removeChange := s.monitor.OnChange(s.setOnline)
	defer removeChange()
	s.setOnline(s.monitor.Online())

	ticks := s.ticks
	if ticks == nil {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		ticks = ticker.C
	}
	retry := rate.NewLimiter(rate.Every(interval), 1)

	s.log.Info("sync scheduler starting",
		zap.String("user_id", userID),
		zap.Duration("interval", interval),
		zap.Bool("auto_sync", cfg.AutoSync),
	)
	if s.reachable(cfg) {
		s.pullOnce(ctx, userID)
	}

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sync scheduler stopping", zap.Error(ctx.Err()))
			return ctx.Err()

		case <-ticks:
			s.replica.Recompute()
			if s.reachable(cfg) {
				s.pullOnce(ctx, userID)
			}
			if cfg.AutoSync {
				s.attempt(ctx, userID, cfg, triggerTick, retry, false)
			}

		case <-s.tracker.Signal():
			if cfg.AutoSync {
				s.attempt(ctx, userID, cfg, triggerChange, retry, true)
			}

		case <-regained:
			s.pullOnce(ctx, userID)
			if cfg.AutoSync && s.tracker.Len() > 0 {
				s.attempt(ctx, userID, cfg, triggerOnline, retry, false)
			}
		}
	}
}

// pullOnce runs the session pull if it has not succeeded yet. Pull is
// guarded, so this only reaches the backend until one pull succeeds.
func (s *Service) pullOnce(ctx context.Context, userID string) {
	if err := s.Pull(ctx, userID); err != nil {
		s.log.Warn("session pull failed", zap.Error(err))
	}
}

// reachable reports whether scheduled work may contact the remote.
func (s *Service) reachable(cfg SyncConfig) bool {
	return !cfg.EnableOfflineMode || s.monitor.Online()
}

// attempt runs one scheduled push. Every failure takes a token from retry;
// limited attempts are skipped while the last push failed and no token is left.
func (s *Service) attempt(ctx context.Context, userID string, cfg SyncConfig, trigger string, retry *rate.Limiter, limited bool) {
	if s.tracker.Len() == 0 {
		return
	}
	if !s.reachable(cfg) {
		s.log.Debug("skipping push while offline", zap.String("trigger", trigger))
		return
	}
	if limited && s.failing() && !retry.Allow() {
		s.log.Debug("skipping push, retry limited", zap.String("trigger", trigger))
		return
	}
	if err := s.Push(ctx, userID); err != nil {
		retry.Allow()
		s.log.Debug("scheduled push failed", zap.String("trigger", trigger), zap.Error(err))
	}
}
