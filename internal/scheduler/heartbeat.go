package scheduler

import (
	"context"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

// Heartbeater refreshes remote presence and returns the requests sent.
type Heartbeater interface {
	Heartbeat(ctx context.Context) int
}

// HeartbeatScheduler drives the consumer side: it keeps joined services
// alive on their hosts and retries subscriptions still connecting.
type HeartbeatScheduler struct {
	target   Heartbeater
	logger   logger.Logger
	interval time.Duration
	stopCh   chan struct{}
}

// NewHeartbeatScheduler creates a scheduler ticking every interval.
func NewHeartbeatScheduler(target Heartbeater, log logger.Logger, interval time.Duration) *HeartbeatScheduler {
	return &HeartbeatScheduler{
		target:   target,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start ticks until Stop or ctx is done. The first beat waits one interval.
func (hs *HeartbeatScheduler) Start(ctx context.Context) error {
	ticker := time.NewTicker(hs.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n := hs.target.Heartbeat(ctx)
				hs.logger.Debug("heartbeat sent", logger.Int("requests", n))
			case <-hs.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop stops the scheduler
func (hs *HeartbeatScheduler) Stop() {
	close(hs.stopCh)
}
