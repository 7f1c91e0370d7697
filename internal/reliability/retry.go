package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy decides whether a failed attempt is retried and after how long.
// attempt is zero based: the first failure is attempt 0.
type Policy interface {
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	MaxRetries() int
}

// FixedDelay retries up to Retries times, waiting Delay between attempts
type FixedDelay struct {
	Delay   time.Duration
	Retries int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, retries int) *FixedDelay {
	return &FixedDelay{Delay: delay, Retries: retries}
}

func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= f.Retries || !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

func (f *FixedDelay) MaxRetries() int {
	return f.Retries
}

// ExponentialBackoff doubles (by Multiplier) the delay after every attempt
// up to MaxInterval, with optional ±15% jitter
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Retries         int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, retries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Retries:         retries,
		Jitter:          true,
	}
}

func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.Retries || !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

func (e *ExponentialBackoff) MaxRetries() int {
	return e.Retries
}

// NextDelay returns the wait after the given attempt
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		delay = delay*0.85 + rand.Float64()*0.3*delay
	}
	return time.Duration(delay)
}

// Retry runs fn until it succeeds, the policy gives up or ctx is done.
// Errors marked with Unretryable are returned unwrapped on the spot; when the
// policy runs out the last error is returned inside a *RetryError.
func Retry(ctx context.Context, policy Policy, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}

		var stop *stopError
		if errors.As(err, &stop) {
			return stop.err
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			return &RetryError{Attempts: attempt + 1, LastError: err}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}
