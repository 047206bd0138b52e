package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

// Sweeper evicts stale subscribers and returns how many it removed.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// PresenceSweeper runs Sweep on a fixed interval so idle subscribers are
// evicted even when no traffic arrives.
type PresenceSweeper struct {
	sweeper  Sweeper
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewPresenceSweeper creates a sweeper ticking every interval.
func NewPresenceSweeper(s Sweeper, log logger.Logger, interval time.Duration) *PresenceSweeper {
	return &PresenceSweeper{
		sweeper:  s,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start sweeps once, then on every tick until Stop or ctx is done.
func (ps *PresenceSweeper) Start(ctx context.Context) error {
	ps.Collect(ctx)

	ticker := time.NewTicker(ps.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ps.Collect(ctx)
			case <-ps.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop stops the sweeper
func (ps *PresenceSweeper) Stop() {
	close(ps.stopCh)
}

// Collect runs one sweep.
func (ps *PresenceSweeper) Collect(ctx context.Context) int {
	n := ps.sweeper.Sweep(ctx)
	if n == 0 {
		ps.logger.Debug("presence sweep found nothing stale")
	}
	return n
}
