package apperr

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig tunes [Retry]. The zero value is replaced with the pipeline
// defaults: base 500 ms, factor 2, 3 attempts.
type RetryConfig struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int

	// BaseDelay is the wait before the first retry; each subsequent wait
	// doubles.
	BaseDelay time.Duration
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping between attempts with
// exponential backoff. Only errors for which [IsRetryable] returns true are
// retried; anything else is returned immediately. Context cancellation aborts
// the wait and returns ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}

	var err error
	delay := cfg.BaseDelay
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !IsRetryable(err) || attempt >= cfg.MaxAttempts {
			return err
		}

		slog.Warn("transient failure, retrying",
			"attempt", attempt, "max_attempts", cfg.MaxAttempts,
			"delay", delay, "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
}
