package reliability

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker stops calling a failing backend for a cool-down period. After
// FailureThreshold consecutive failures it opens; once the cool-down has
// passed a single probe is let through and its outcome closes or reopens
// the circuit.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	name      string
	threshold int
	coolDown  time.Duration
	isFailure func(error) bool
	now       func() time.Time
	logger    *slog.Logger
}

// BreakerOption configures a Breaker
type BreakerOption func(*Breaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(n int) BreakerOption {
	return func(b *Breaker) {
		if n > 0 {
			b.threshold = n
		}
	}
}

// WithCoolDown sets how long the circuit stays open before probing
func WithCoolDown(d time.Duration) BreakerOption {
	return func(b *Breaker) {
		b.coolDown = d
	}
}

// WithFailurePredicate decides which errors count against the circuit.
// By default context cancellation does not.
func WithFailurePredicate(fn func(error) bool) BreakerOption {
	return func(b *Breaker) {
		b.isFailure = fn
	}
}

// WithBreakerLogger sets the logger for state changes
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// NewBreaker creates a closed breaker
func NewBreaker(name string, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: 5,
		coolDown:  30 * time.Second,
		isFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs fn unless the circuit is open
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	probe, err := b.acquire()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		b.release(probe)
		return err
	}

	err = fn(ctx)
	b.record(probe, err)
	return err
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) acquire() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		next := b.openedAt.Add(b.coolDown)
		if b.now().Before(next) {
			return false, &BreakerError{Name: b.name, State: b.state, Failures: b.failures, NextRetry: next}
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false, &BreakerError{Name: b.name, State: b.state, Failures: b.failures}
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	b.probing = false
	b.mu.Unlock()
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err == nil {
		b.failures = 0
		if probe {
			b.transition(StateClosed)
		}
		return
	}
	if !b.isFailure(err) {
		return
	}

	b.failures++
	if probe || b.failures >= b.threshold {
		b.openedAt = b.now()
		if b.state != StateOpen {
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	b.logger.Info("circuit breaker state changed", "breaker", b.name, "from", from, "to", to, "failures", b.failures)
}
