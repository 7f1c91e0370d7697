// Package correlator matches asynchronous replies to the calls waiting for
// them.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTimeout        = errors.New("correlator: timed out waiting for reply")
	ErrUnknownToken   = errors.New("correlator: unknown correlation token")
	ErrDuplicateToken = errors.New("correlator: correlation token already registered")
	ErrEmptyToken     = errors.New("correlator: correlation token is required")
)

// NewToken returns a random version 4 UUID string
func NewToken() string {
	return uuid.NewString()
}

// PendingCall is an outstanding call awaiting its reply
type PendingCall struct {
	Token     string
	CreatedAt time.Time
	Deadline  time.Time

	result   chan result
	resolved bool
}

type result struct {
	body []byte
	err  error
}

// Registry holds pending calls keyed by correlation token
type Registry struct {
	mu      sync.Mutex
	pending map[string]*PendingCall
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		pending: make(map[string]*PendingCall),
	}
}

// Register adds a pending call for token that expires after timeout
func (r *Registry) Register(token string, timeout time.Duration) (*PendingCall, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	now := time.Now()
	call := &PendingCall{
		Token:     token,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		result:    make(chan result, 1),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[token]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateToken, token)
	}
	r.pending[token] = call
	return call, nil
}

// Resolve delivers body to the call registered under token. It returns false,
// dropping body, when the token is unknown or already resolved.
func (r *Registry) Resolve(token string, body []byte) bool {
	return r.complete(token, result{body: body})
}

// Fail completes the call registered under token with err
func (r *Registry) Fail(token string, err error) bool {
	return r.complete(token, result{err: err})
}

func (r *Registry) complete(token string, res result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, exists := r.pending[token]
	if !exists || call.resolved {
		return false
	}
	call.resolved = true
	call.result <- res
	return true
}

// FailAll completes every unresolved call with err and returns how many it
// failed. Entries stay registered until their waiter collects the outcome.
func (r *Registry) FailAll(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	failed := 0
	for _, call := range r.pending {
		if call.resolved {
			continue
		}
		call.resolved = true
		call.result <- result{err: err}
		failed++
	}
	return failed
}

// Await blocks until the call registered under token is completed, timeout
// elapses or ctx is done. A non-positive timeout waits until the call's
// deadline. The entry is removed on return.
func (r *Registry) Await(ctx context.Context, token string, timeout time.Duration) ([]byte, error) {
	r.mu.Lock()
	call, exists := r.pending[token]
	r.mu.Unlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	defer r.Remove(token)

	if timeout <= 0 {
		timeout = time.Until(call.Deadline)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.result:
		return res.body, res.err
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Remove drops the call registered under token
func (r *Registry) Remove(token string) {
	r.mu.Lock()
	delete(r.pending, token)
	r.mu.Unlock()
}

// Pending reports whether token is registered and still waiting for its
// outcome
func (r *Registry) Pending(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	call, exists := r.pending[token]
	return exists && !call.resolved
}

// Len returns the number of registered calls
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
