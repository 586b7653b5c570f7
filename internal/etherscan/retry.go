package etherscan

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// maxRetryInterval caps a single back-off sleep.
const maxRetryInterval = time.Hour

// newBackOff builds the schedule baseDelay * 2^(attempt-1) with no jitter and
// no elapsed-time ceiling; the attempt count is the only bound.
func newBackOff(baseDelay time.Duration, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = retryCeiling(baseDelay, maxAttempts)
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(maxAttempts-1))
}

// retryCeiling is the largest delay the schedule reaches, doubled step by
// step so a large attempt count cannot overflow.
func retryCeiling(baseDelay time.Duration, maxAttempts int) time.Duration {
	d := baseDelay
	for i := 1; i < maxAttempts && d < maxRetryInterval; i++ {
		d *= 2
	}
	if d > maxRetryInterval {
		d = maxRetryInterval
	}
	return d
}

// withRetry runs fn up to MaxAttempts times. Errors not marked transient
// abort immediately. The last observed error is returned unwrapped from its
// transient marker.
func (c *Client) withRetry(ctx context.Context, action string, fn func(context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			c.metrics.IndexerRequest(action, "ok")
			return nil
		}
		if !isTransient(err) {
			c.metrics.IndexerRequest(action, "error")
			return backoff.Permanent(err)
		}
		c.metrics.IndexerRequest(action, "retryable")
		return err
	}

	notify := func(err error, delay time.Duration) {
		c.metrics.IndexerRetry(action)
		c.logger.Warn("indexing request failed, retrying",
			zap.String("action", action),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if c.onRetry != nil {
			c.onRetry(action, attempt, delay, err)
		}
	}

	policy := backoff.WithContext(newBackOff(c.cfg.BaseDelay, c.cfg.MaxAttempts), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		return nil
	}

	var t *transientError
	if errors.As(err, &t) {
		return t.err
	}
	return err
}
