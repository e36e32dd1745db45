// Package retry provides exponential-backoff helpers for transient errors.
//
// Do wraps a call that may be repeated inline (connecting to a database at
// startup). Backoff computes the cooldown for work that is retried out of
// band, such as retry-queue entries that are re-driven on a later pass.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500*time.Millisecond}, func() error {
//	    return pool.Ping(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	// Subsequent delays are doubled up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry is an optional predicate that lets callers classify errors
	// as retryable.  When nil, all non-nil errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig provides sensible defaults for short-lived network calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Do calls fn up to cfg.MaxAttempts times, waiting Backoff(cfg, n) after the
// n-th failure. It stops early when ctx is cancelled, fn returns nil, or
// ShouldRetry rejects the error. The error from the last attempt is
// returned, joined with the context error when cancellation cut it short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg = withDefaults(cfg)

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt >= cfg.MaxAttempts || (cfg.ShouldRetry != nil && !cfg.ShouldRetry(lastErr)) {
			return lastErr
		}

		wait := Backoff(cfg, attempt)
		slog.Debug("retry: attempt failed, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts, "err", lastErr, "wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
	}
}

// Backoff returns the wait that should elapse after the given number of
// failed attempts before the next one is made. attempts <= 0 yields zero, one
// failed attempt yields InitialDelay, and each further failure doubles the
// wait up to MaxDelay. A zero InitialDelay disables backoff entirely.
func Backoff(cfg Config, attempts int) time.Duration {
	if attempts <= 0 || cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	delay := cfg.InitialDelay
	for i := 1; i < attempts && delay < cfg.MaxDelay; i++ {
		delay *= 2
	}
	return min(delay, cfg.MaxDelay)
}

func withDefaults(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	return cfg
}
