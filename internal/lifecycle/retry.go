package lifecycle

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jordanhubbard/holly/internal/vcs"
)

// RetryConfig bounds retries of transient VCS failures.
type RetryConfig struct {
	Attempts        int           `yaml:"attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// DefaultRetry allows 4 attempts in total.
func DefaultRetry() RetryConfig {
	return RetryConfig{Attempts: 4, InitialInterval: 200 * time.Millisecond, MaxInterval: 5 * time.Second}
}

func (r RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.InitialInterval
	bo.MaxInterval = r.MaxInterval
	bo.MaxElapsedTime = 0
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(attempts-1)), ctx)
}

// withRetry runs fn until it succeeds, fails permanently, or the attempt
// budget runs out. Each attempt gets its own timeout.
func (c *Controller) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, c.cfg.VCSTimeout)
		defer cancel()
		err := fn(actx)
		if err != nil && vcs.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	onRetry := func(err error, wait time.Duration) {
		c.metrics.VCSRetries.WithLabelValues(op).Inc()
		c.logger.Warn("vcs call failed, retrying", "op", op, "error", err, "wait", wait)
	}
	err := backoff.RetryNotify(attempt, c.cfg.Retry.backOff(ctx), onRetry)
	if err != nil {
		permanent := "false"
		if vcs.IsPermanent(err) {
			permanent = "true"
		}
		c.metrics.VCSFailures.WithLabelValues(op, permanent).Inc()
		return &CollaboratorError{Op: op, Err: err}
	}
	return nil
}
