package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is returned while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")

	// ErrRetriesExhausted is wrapped by RetryError when a policy gives up
	ErrRetriesExhausted = errors.New("retry: attempts exhausted")
)

// BreakerError reports a call rejected by an open or probing breaker
type BreakerError struct {
	Name      string
	State     State
	Failures  int
	NextRetry time.Time
}

func (e *BreakerError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("circuit breaker %s open (failures=%d, retry in %v)",
			e.Name, e.Failures, time.Until(e.NextRetry).Round(time.Second))
	}
	return fmt.Sprintf("circuit breaker %s %s: probe in flight", e.Name, e.State)
}

func (e *BreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError carries the last failure once a policy stops retrying
type RetryError struct {
	Attempts  int
	LastError error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.LastError)
}

// Is reports ErrRetriesExhausted so callers can test without unwrapping
func (e *RetryError) Is(target error) bool {
	return target == ErrRetriesExhausted
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// Unretryable marks err so that Retry returns it immediately
func Unretryable(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

type stopError struct {
	err error
}

func (e *stopError) Error() string {
	return e.err.Error()
}

func (e *stopError) Unwrap() error {
	return e.err
}

// IsRetryable reports whether err has not been marked with Unretryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var stop *stopError
	return !errors.As(err, &stop)
}
