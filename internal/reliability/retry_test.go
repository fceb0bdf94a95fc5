package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("delay grows exponentially without jitter", func(t *testing.T) {
		policy := &ExponentialBackoff{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			MaxAttempts:     -1,
		}

		assert.Equal(t, 100*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 200*time.Millisecond, policy.NextDelay(1))
		assert.Equal(t, 400*time.Millisecond, policy.NextDelay(2))
	})

	t.Run("delay is capped at the max interval", func(t *testing.T) {
		policy := &ExponentialBackoff{
			InitialInterval: time.Second,
			MaxInterval:     5 * time.Second,
			Multiplier:      2.0,
			MaxAttempts:     -1,
		}

		assert.Equal(t, 5*time.Second, policy.NextDelay(10))
	})

	t.Run("jitter keeps the delay within 15 percent", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Second, time.Minute, 2.0, -1)

		for i := 0; i < 100; i++ {
			delay := policy.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 3)

		retry, _ := policy.ShouldRetry(2, errors.New("transient"))
		assert.True(t, retry)

		retry, _ = policy.ShouldRetry(3, errors.New("transient"))
		assert.False(t, retry)
	})

	t.Run("unbounded never gives up on retryable errors", func(t *testing.T) {
		policy := Unbounded(time.Millisecond, time.Second)

		retry, _ := policy.ShouldRetry(1_000_000, errors.New("transient"))
		assert.True(t, retry)
	})

	t.Run("unbounded still stops on fatal errors", func(t *testing.T) {
		policy := Unbounded(time.Millisecond, time.Second)

		retry, _ := policy.ShouldRetry(0, Fatal{Err: errors.New("bad topology")})
		assert.False(t, retry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("constant delay", func(t *testing.T) {
		policy := NewFixedDelay(50*time.Millisecond, 5)
		assert.Equal(t, 50*time.Millisecond, policy.NextDelay(0))
		assert.Equal(t, 50*time.Millisecond, policy.NextDelay(4))
	})

	t.Run("respects max attempts", func(t *testing.T) {
		policy := NewFixedDelay(time.Millisecond, 2)

		retry, delay := policy.ShouldRetry(0, errors.New("transient"))
		assert.True(t, retry)
		assert.Equal(t, time.Millisecond, delay)

		retry, _ = policy.ShouldRetry(2, errors.New("transient"))
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns nil on first success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries until success", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 10), func() error {
			calls++
			if calls < 3 {
				return errors.New("not yet")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns the last error when the policy gives up", func(t *testing.T) {
		boom := errors.New("boom")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("fatal error stops immediately", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), Unbounded(time.Millisecond, time.Second), func() error {
			calls++
			return Fatal{Err: errors.New("queue conflict")}
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancelled context stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		errCh := make(chan error, 1)
		go func() {
			errCh <- Retry(ctx, Unbounded(10*time.Millisecond, time.Second), func() error {
				return errors.New("still down")
			})
		}()

		time.Sleep(20 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("retry loop did not stop after cancellation")
		}
	})
}

func TestFatal(t *testing.T) {
	t.Run("wraps and unwraps", func(t *testing.T) {
		inner := errors.New("inner")
		fatal := Fatal{Err: inner}

		assert.Equal(t, "inner", fatal.Error())
		assert.ErrorIs(t, fatal, inner)
		assert.False(t, fatal.IsRetryable())
	})
}
