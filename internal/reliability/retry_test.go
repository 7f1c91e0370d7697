package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedDelay(t *testing.T) {
	policy := NewFixedDelay(10*time.Millisecond, 2)

	for attempt := 0; attempt < 2; attempt++ {
		retry, delay := policy.ShouldRetry(attempt, errors.New("boom"))
		assert.True(t, retry)
		assert.Equal(t, 10*time.Millisecond, delay)
	}

	retry, _ := policy.ShouldRetry(2, errors.New("boom"))
	assert.False(t, retry)

	retry, _ = policy.ShouldRetry(0, Unretryable(errors.New("bad input")))
	assert.False(t, retry)
	assert.Equal(t, 2, policy.MaxRetries())
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)
		assert.True(t, eb.Jitter)
		assert.Equal(t, 3, eb.MaxRetries())
	})

	t.Run("NextDelay doubles and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{4, time.Second},
			{9, time.Second},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 10)
		for i := 0; i < 50; i++ {
			d := eb.NextDelay(0)
			assert.GreaterOrEqual(t, d, 85*time.Millisecond)
			assert.LessOrEqual(t, d, 115*time.Millisecond)
		}
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		var attempts []int
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func(ctx context.Context, attempt int) error {
			attempts = append(attempts, attempt)
			if attempt < 2 {
				return errors.New("flaky")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, attempts)
	})

	t.Run("gives up with RetryError", func(t *testing.T) {
		cause := errors.New("down")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func(ctx context.Context, attempt int) error {
			calls++
			return cause
		})
		assert.Equal(t, 3, calls)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.ErrorIs(t, err, cause)

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 3, retryErr.Attempts)
	})

	t.Run("unretryable returns at once", func(t *testing.T) {
		cause := errors.New("invalid")
		calls := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func(ctx context.Context, attempt int) error {
			calls++
			return Unretryable(cause)
		})
		assert.Equal(t, 1, calls)
		assert.Equal(t, cause, err)
	})

	t.Run("context cancellation stops the wait", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := Retry(ctx, NewFixedDelay(time.Hour, 5), func(ctx context.Context, attempt int) error {
			return errors.New("down")
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(Unretryable(errors.New("x"))))
	assert.Nil(t, Unretryable(nil))
}
