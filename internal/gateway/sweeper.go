package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/driftmark/gamecore/internal/domain"
)

// Sweeper evicts sessions that stayed silent past the idle timeout. It is
// the only liveness mechanism on the server side; clients are expected to
// ping within the advertised heartbeat.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	lg       zerolog.Logger
}

// NewSweeper builds a sweeper ticking every interval and evicting sessions
// idle for longer than timeout. A timeout <= 0 disables sweeping entirely.
func NewSweeper(registry *Registry, interval, timeout time.Duration, lg zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		lg:       lg.With().Str("component", "sweeper").Logger(),
	}
}

// Run blocks until ctx is cancelled, sweeping on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	if s.timeout <= 0 {
		s.lg.Info().Msg("idle timeout disabled; sweeper not running")
		return
	}

	s.lg.Info().Dur("interval", s.interval).Dur("timeout", s.timeout).Msg("sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.lg.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep closes every session idle at now and reports how many went.
func (s *Sweeper) sweep(now time.Time) int {
	stale := s.registry.StaleIDs(now.Add(-s.timeout))
	evicted := 0
	for _, id := range stale {
		if s.registry.Evict(id, domain.ClosePolicyViolated, "Idle timeout") {
			evicted++
		}
	}
	if evicted > 0 {
		s.lg.Info().Int("evicted", evicted).Msg("idle sessions closed")
	}
	return evicted
}
