// Package resilience implements the outbound-call reliability machinery:
// a bounded retry driver with exponential backoff and jitter, and a
// consecutive-failure circuit breaker. Every upstream call is routed
// breaker → retry → per-attempt timeout by the upstream client wrapper.
package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// StatusCoder is implemented by errors that carry an upstream HTTP status.
// The default retry predicate uses it to distinguish transient failures
// (no status, 5xx, timeout) from permanent ones (4xx).
type StatusCoder interface {
	HTTPStatus() int
}

// RetryOptions configures one retry loop. The zero value gets sensible
// defaults: 3 attempts, 250ms base delay, 4s max delay, 30s attempt timeout,
// jitter enabled, transient-error predicate.
type RetryOptions struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the backoff delay before the second attempt.
	BaseDelay time.Duration

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration

	// AttemptTimeout bounds each individual attempt.
	AttemptTimeout time.Duration

	// DisableJitter turns off the multiplicative jitter. The default
	// (jitter on) spreads the delay uniformly over [0.5, 1.5] × exp.
	DisableJitter bool

	// RetryIf decides whether an error is worth another attempt.
	// Defaults to [IsTransient].
	RetryIf func(error) bool

	// Rand returns a uniform value in [0, 1) for jitter. Injectable so
	// tests can make the schedule deterministic. Defaults to rand.Float64.
	Rand func() float64

	// Sleep waits for d or until ctx is done. Injectable for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// withDefaults returns opts with zero fields filled in.
func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 250 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 4 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.RetryIf == nil {
		o.RetryIf = IsTransient
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	if o.Sleep == nil {
		o.Sleep = sleepCtx
	}
	return o
}

// IsTransient is the default retry predicate: retry when the error carries
// no HTTP status, a 5xx status, or is a timeout. Client errors (4xx) are
// never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status == 0 || status >= 500
	}
	// No status information at all — treat as transient (network-level).
	return true
}

// Retry runs fn up to opts.MaxAttempts times. Each attempt races fn against
// the per-attempt timeout. Between attempts the driver waits
// min(MaxDelay, BaseDelay·2^(attempt−1)), scaled by U(0.5, 1.5) unless
// jitter is disabled, and clamped to MaxDelay. Errors rejected by RetryIf
// and the last attempt's error surface unchanged.
func Retry[T any](ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	o := opts.withDefaults()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= o.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.AttemptTimeout)
		val, err := fn(attemptCtx)
		cancel()

		if err == nil {
			return val, nil
		}
		lastErr = err

		if attempt == o.MaxAttempts || !o.RetryIf(err) {
			break
		}
		if parentErr := ctx.Err(); parentErr != nil {
			// The caller is gone; do not burn further attempts.
			return zero, lastErr
		}

		if sleepErr := o.Sleep(ctx, o.delay(attempt)); sleepErr != nil {
			return zero, lastErr
		}
	}

	return zero, lastErr
}

// delay computes the backoff before attempt+1, given that attempt just failed.
func (o RetryOptions) delay(attempt int) time.Duration {
	exp := o.BaseDelay << (attempt - 1)
	if exp > o.MaxDelay || exp <= 0 {
		exp = o.MaxDelay
	}
	if o.DisableJitter {
		return exp
	}
	d := time.Duration(float64(exp) * (0.5 + o.Rand()))
	if d > o.MaxDelay {
		d = o.MaxDelay
	}
	if d < 0 {
		d = 0
	}
	return d
}

// sleepCtx waits for d or returns early with the context error.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
