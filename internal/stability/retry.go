package stability

import (
	"context"
	"time"

	"github.com/mnemon/mnemon/internal/errs"
)

// RetryConfig tunes the read-retry policy.
type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Exponential bool
}

// RetryRead runs fn, retrying transient failures with backoff. Only
// idempotent reads may be passed here; writes are never auto-retried.
func RetryRead(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !errs.KindOf(err).Retryable() || attempt >= cfg.MaxRetries {
			return err
		}
		delay := cfg.BaseDelay
		if cfg.Exponential {
			delay = cfg.BaseDelay << uint(attempt)
		}
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return errs.Wrap(errs.KindTimeout, "retry canceled", ctx.Err())
		}
	}
}
