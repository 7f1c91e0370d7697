package rpc

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/internal/redelivery"
)

const (
	// DefaultCallTimeout applies when Call is given a non-positive timeout
	DefaultCallTimeout = 30 * time.Second

	// DefaultHandlerTimeout bounds a single handler invocation
	DefaultHandlerTimeout = 2 * time.Minute

	// DefaultMaxDeliveries is how many times a failing work item is
	// delivered before it is rejected
	DefaultMaxDeliveries = 3
)

type options struct {
	logger         *slog.Logger
	metrics        MetricsCollector
	dialer         rabbitmq.Dialer
	reconnectDelay time.Duration
	maxDeliveries  int
	handlerTimeout time.Duration
	deadLetter     bool
	tracker        redelivery.Tracker
}

// Option configures a Client or Responder
type Option func(*options)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer rabbitmq.Dialer) Option {
	return func(o *options) {
		o.dialer = dialer
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) Option {
	return func(o *options) {
		o.reconnectDelay = delay
	}
}

// WithMaxDeliveries caps how often a failing work item is delivered.
// Responder only.
func WithMaxDeliveries(n int) Option {
	return func(o *options) {
		o.maxDeliveries = n
	}
}

// WithHandlerTimeout bounds each handler invocation. Responder only.
func WithHandlerTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.handlerTimeout = timeout
	}
}

// WithDeadLetter routes rejected work items to a dead-letter queue.
// Responder only.
func WithDeadLetter(enabled bool) Option {
	return func(o *options) {
		o.deadLetter = enabled
	}
}

// WithTracker sets where delivery attempts are counted. Responder only.
func WithTracker(tracker redelivery.Tracker) Option {
	return func(o *options) {
		o.tracker = tracker
	}
}

func buildOptions(opts []Option) *options {
	o := &options{
		logger:         slog.Default(),
		metrics:        &NoOpMetricsCollector{},
		dialer:         rabbitmq.AMQPDialer{},
		reconnectDelay: 5 * time.Second,
		maxDeliveries:  DefaultMaxDeliveries,
		handlerTimeout: DefaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.tracker == nil {
		o.tracker = redelivery.NewMemoryTracker()
	}
	if o.maxDeliveries < 1 {
		o.maxDeliveries = 1
	}
	return o
}

func (o *options) supervisor(url string, logger *slog.Logger) *rabbitmq.Supervisor {
	return rabbitmq.NewSupervisor(url,
		rabbitmq.WithDialer(o.dialer),
		rabbitmq.WithReconnectDelay(o.reconnectDelay),
		rabbitmq.WithLogger(logger))
}
