package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy decides whether and when a failed attempt is retried.
type Policy interface {
	// ShouldRetry reports whether attempt (zero-based) should be
	// retried and after what delay.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// NextDelay calculates the delay before the given attempt.
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff grows the delay exponentially up to a cap, with
// ±15% jitter to avoid thundering herds. MaxAttempts < 0 means retry
// without bound, the mode used for broker reconnection where outages
// are transient and operationally resolved.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// Unbounded returns an exponential policy with no attempt limit.
func Unbounded(initial, max time.Duration) *ExponentialBackoff {
	return NewExponentialBackoff(initial, max, 2.0, -1)
}

// ShouldRetry implements Policy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts >= 0 && attempt >= e.MaxAttempts {
		return false, 0
	}
	if !isRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// NextDelay implements Policy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - 0.15*delay
	}
	return time.Duration(delay)
}

// FixedDelay retries at a constant interval.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{Delay: delay, MaxAttempts: maxAttempts}
}

// ShouldRetry implements Policy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts >= 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	if !isRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// NextDelay implements Policy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry runs fn until it succeeds, the policy gives up, or ctx is
// cancelled.
func Retry(ctx context.Context, policy Policy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Fatal wraps an error to mark it non-retryable, stopping any policy
// immediately.
type Fatal struct {
	Err error
}

// Error implements error
func (f Fatal) Error() string {
	return f.Err.Error()
}

// IsRetryable implements the retryable check
func (f Fatal) IsRetryable() bool {
	return false
}

// Unwrap returns the wrapped error
func (f Fatal) Unwrap() error {
	return f.Err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	// Unknown failures default to retryable.
	return true
}
