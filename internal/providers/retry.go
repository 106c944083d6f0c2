package providers

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig bounds the transport retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

// DefaultRetryConfig matches the documented backoff: 1s doubling to a 30s
// cap, up to 250ms of jitter, five attempts total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      250 * time.Millisecond,
	}
}

// Backoff returns the sleep before retry attempt n (0-based), not counting
// jitter: min(base<<n, max).
func (c RetryConfig) Backoff(n int) time.Duration {
	d := c.BaseDelay << uint(n)
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	return d
}

// RetryDo runs fn until it succeeds, fails non-retryably, or attempts run
// out. Only ClassRetryable errors are retried; a Retry-After hint stretches
// the backoff when the server asks for more.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := cfg.Backoff(attempt - 1)
			if re, ok := asRequestError(lastErr); ok && re.RetryAfter > delay {
				delay = re.RetryAfter
			}
			if cfg.Jitter > 0 {
				delay += time.Duration(rand.Int63n(int64(cfg.Jitter)))
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		if Classify(err) != ClassRetryable {
			return zero, err
		}
	}
	return zero, lastErr
}

func asRequestError(err error) (*RequestError, bool) {
	var re *RequestError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
