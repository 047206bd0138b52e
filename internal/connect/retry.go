// Package connect retries the initial dial of a backing service (Redis, NATS)
// with capped exponential backoff until a total deadline.
package connect

import (
	"context"
	"fmt"
	"time"

	"github.com/MrSnakeDoc/servicesync/internal/logger"
)

// Policy defines retry behavior.
type Policy struct {
	Timeout        time.Duration // Total time allowed for connection attempts (ex: 30s)
	RetryInterval  time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	MaxWait        time.Duration // max wait between retries (ex: 10s)
	AttemptTimeout time.Duration // timeout for each attempt (ex: 5s)
	WarnThreshold  int           // warn after this many attempts
}

// Validate ensures all values are usable.
func (p Policy) Validate() error {
	if p.Timeout <= 0 {
		return fmt.Errorf("Timeout must be > 0, got %v", p.Timeout)
	}
	if p.RetryInterval <= 0 {
		return fmt.Errorf("RetryInterval must be > 0, got %v", p.RetryInterval)
	}
	if p.MaxWait <= 0 {
		return fmt.Errorf("MaxWait must be > 0, got %v", p.MaxWait)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("AttemptTimeout must be > 0, got %v", p.AttemptTimeout)
	}
	if p.WarnThreshold < 0 {
		return fmt.Errorf("WarnThreshold must be >= 0, got %d", p.WarnThreshold)
	}
	return nil
}

// Attempt performs one connection try.
type Attempt func(ctx context.Context) error

// attemptLogger handles all connection logging for one backend.
type attemptLogger struct {
	logger  logger.Logger
	backend string
	addr    string
}

func (al *attemptLogger) start(timeout time.Duration) {
	al.logger.Info("connecting to "+al.backend,
		logger.String("addr", al.addr),
		logger.Duration("timeout", timeout))
}

func (al *attemptLogger) success(attempts int, elapsed time.Duration) {
	if attempts > 1 {
		al.logger.Warn("connected to "+al.backend+" after retry",
			logger.String("addr", al.addr),
			logger.Int("attempts", attempts),
			logger.Duration("elapsed", elapsed))
		return
	}
	al.logger.Info("connected to "+al.backend, logger.String("addr", al.addr))
}

func (al *attemptLogger) timeout(attempts int, timeout time.Duration, err error) {
	al.logger.Error(al.backend+" unavailable - failed to connect after timeout",
		logger.String("addr", al.addr),
		logger.Int("attempts", attempts),
		logger.Duration("timeout", timeout),
		logger.Error(err))
}

func (al *attemptLogger) retry(attempt int, remaining, nextRetry time.Duration, warnThreshold int, err error) {
	switch {
	case remaining < 10*time.Second:
		al.logger.Error(al.backend+" still down - retrying but timeout approaching",
			logger.String("addr", al.addr),
			logger.Int("attempt", attempt),
			logger.Duration("remaining", remaining),
			logger.Duration("next_retry_in", nextRetry),
			logger.Error(err))
	case attempt <= warnThreshold:
		al.logger.Warn(al.backend+" connection failed, retrying",
			logger.String("addr", al.addr),
			logger.Int("attempt", attempt),
			logger.Duration("next_retry_in", nextRetry),
			logger.Error(err))
	default:
		al.logger.Error(al.backend+" still unavailable - connection attempts failing",
			logger.String("addr", al.addr),
			logger.Int("attempt", attempt),
			logger.Duration("next_retry_in", nextRetry),
			logger.Error(err))
	}
}

// WithRetry calls try until it succeeds or policy.Timeout elapses.
// backend and addr are only used for logging and the final error.
func WithRetry(ctx context.Context, backend, addr string, policy Policy, log logger.Logger, try Attempt) error {
	if err := policy.Validate(); err != nil {
		log.Error("invalid connect policy", logger.String("backend", backend), logger.Error(err))
		return err
	}
	al := &attemptLogger{logger: log, backend: backend, addr: addr}

	ctx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	al.start(policy.Timeout)
	attempt := 0
	wait := policy.RetryInterval

	for {
		attempt++

		tryCtx, tryCancel := context.WithTimeout(ctx, policy.AttemptTimeout)
		err := try(tryCtx)
		tryCancel()

		if err == nil {
			al.success(attempt, policy.Timeout-timeLeft(ctx))
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			al.timeout(attempt, policy.Timeout, err)
			return fmt.Errorf("%s unavailable at %s after %d attempts (timeout: %v): %w",
				backend, addr, attempt, policy.Timeout, err)

		case <-timer.C:
			al.retry(attempt, timeLeft(ctx), wait, policy.WarnThreshold, err)
			wait *= 2
			if wait > policy.MaxWait {
				wait = policy.MaxWait
			}
		}
	}
}

// timeLeft returns the remaining time before context deadline.
func timeLeft(ctx context.Context) time.Duration {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0
	}
	return time.Until(deadline)
}
