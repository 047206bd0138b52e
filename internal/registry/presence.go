package registry

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

// EvictStale removes, from every service, each subscriber whose last
// presence is more than timeout before now. It waits for every worker and
// returns the number of evictions.
//
// When run every sweep interval, a subscriber that stopped heartbeating stops
// receiving fan-out at most timeout + sweep interval later.
func (r *Registry) EvictStale(ctx context.Context, now time.Time, timeout time.Duration) int {
	r.mu.RLock()
	workers := make([]*worker, 0, len(r.services))
	for _, w := range r.services {
		workers = append(workers, w)
	}
	r.mu.RUnlock()

	total := 0
	for _, w := range workers {
		var n int
		err := w.submitWait(ctx, func(ctx context.Context) error {
			n = w.evict(ctx, now, timeout)
			return nil
		})
		if err != nil {
			r.log.Debug("eviction skipped", logger.Stringer("service", w.svc.ID), logger.Error(err))
			continue
		}
		total += n
	}

	r.lastSweep.Store(now.UnixNano())
	r.metrics.Evicted(total)
	if total > 0 {
		r.log.Info("evicted stale subscribers",
			logger.Int("count", total),
			logger.Duration("timeout", timeout),
			logger.Time("cutoff", now.Add(-timeout)))
	}
	return total
}

// Sweep runs EvictStale with the configured timeout.
func (r *Registry) Sweep(ctx context.Context) int {
	return r.EvictStale(ctx, r.now(), r.presenceTimeout)
}

// maybeSweep starts a background sweep when inbound traffic arrives and the
// last sweep is older than the sweep interval.
func (r *Registry) maybeSweep() {
	now := r.now()
	if now.Sub(time.Unix(0, r.lastSweep.Load())) < r.sweepInterval {
		return
	}
	if !r.sweeping.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer r.sweeping.Store(false)
		r.EvictStale(context.Background(), now, r.presenceTimeout)
	}()
}
