package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/glimte/mmate-agents/rpc"
)

// Interceptor processes a work item before it reaches the next handler
type Interceptor interface {
	// Intercept handles body, usually by calling next
	Intercept(ctx context.Context, body []byte, next rpc.Handler) ([]byte, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, body []byte, next rpc.Handler) ([]byte, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, body []byte, next rpc.Handler) ([]byte, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, body []byte, next rpc.Handler) ([]byte, error) {
	return i.fn(ctx, body, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
	logger       *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then returns handler wrapped by every interceptor of the chain
func (c *Chain) Then(handler rpc.Handler) rpc.Handler {
	c.logger.Debug("building interceptor chain", "interceptors", c.Names())

	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = rpc.HandlerFunc(func(ctx context.Context, body []byte) ([]byte, error) {
			return interceptor.Intercept(ctx, body, next)
		})
	}
	return handler
}

// LoggingInterceptor logs every work item with its outcome and duration
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, body []byte, next rpc.Handler) ([]byte, error) {
	start := time.Now()
	logger := i.logger
	if item, ok := rpc.WorkItemFromContext(ctx); ok {
		logger = logger.With(
			"queue", item.Queue,
			"correlationId", item.CorrelationID,
			"redelivered", item.Redelivered,
		)
	}

	logger.Info("processing work item", "size", len(body))

	reply, err := next.Handle(ctx, body)
	duration := time.Since(start)

	if err != nil {
		logger.Error("work item failed",
			"duration", duration,
			"permanent", rpc.IsPermanent(err),
			"error", err)
		return nil, err
	}

	logger.Info("work item processed",
		"duration", duration,
		"replySize", len(reply))
	return reply, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// ErrInvalidBody is wrapped by the errors of ValidationInterceptor
var ErrInvalidBody = errors.New("invalid request body")

// ValidationInterceptor rejects bodies that are empty, too large or not
// UTF-8 text. Rejections are permanent so the item is not redelivered.
type ValidationInterceptor struct {
	maxBytes int
}

// NewValidationInterceptor creates a validator; maxBytes <= 0 disables the
// size limit
func NewValidationInterceptor(maxBytes int) *ValidationInterceptor {
	return &ValidationInterceptor{maxBytes: maxBytes}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, body []byte, next rpc.Handler) ([]byte, error) {
	switch {
	case len(body) == 0:
		return nil, rpc.Permanent(fmt.Errorf("%w: empty", ErrInvalidBody))
	case i.maxBytes > 0 && len(body) > i.maxBytes:
		return nil, rpc.Permanent(fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidBody, len(body), i.maxBytes))
	case !utf8.Valid(body):
		return nil, rpc.Permanent(fmt.Errorf("%w: not UTF-8 text", ErrInvalidBody))
	}
	return next.Handle(ctx, body)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
