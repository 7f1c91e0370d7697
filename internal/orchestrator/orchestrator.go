// Package orchestrator classifies incoming questions and dispatches them
// to the matching agent over RPC.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/internal/reliability"
	"github.com/glimte/mmate-agents/rpc"
)

const (
	// DefaultMaxRetries is the number of classify and dispatch attempts
	DefaultMaxRetries = 3

	// DefaultCallTimeout bounds a single dispatch to an agent
	DefaultCallTimeout = 120 * time.Second

	// DefaultClassifyTimeout bounds a single classification
	DefaultClassifyTimeout = 30 * time.Second

	// UnknownReply answers requests no agent can handle
	UnknownReply = "Sorry, I couldn't figure out what you want."

	// FailureMessage is returned once every attempt has failed
	FailureMessage = "Failed to process the request after multiple attempts."
)

// ErrEmptyReply is a failed attempt whose agent answered with nothing
var ErrEmptyReply = errors.New("orchestrator: agent returned an empty reply")

// DefaultRoutes maps labels to agent work queues
func DefaultRoutes() map[Label]string {
	return map[Label]string{
		LabelDiagram:  rabbitmq.QueueDiagramAgent,
		LabelText:     rabbitmq.QueueLanguageAgent,
		LabelSoftware: rabbitmq.QueueSoftwareAgent,
	}
}

// Orchestrator answers questions by classifying them and calling an agent.
// A failure anywhere repeats the whole classify and dispatch sequence.
type Orchestrator struct {
	classifier      Classifier
	caller          rpc.Caller
	routes          map[Label]string
	maxRetries      int
	retryDelay      time.Duration
	callTimeout     time.Duration
	classifyTimeout time.Duration
	logger          *slog.Logger
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithMaxRetries sets the number of attempts
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithRetryDelay sets the pause between attempts
func WithRetryDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.retryDelay = d
	}
}

// WithCallTimeout sets the per-dispatch timeout
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// WithClassifyTimeout bounds each classification
func WithClassifyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.classifyTimeout = d
		}
	}
}

// WithRoutes replaces the label to queue table
func WithRoutes(routes map[Label]string) Option {
	return func(o *Orchestrator) {
		o.routes = routes
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// New creates an orchestrator
func New(classifier Classifier, caller rpc.Caller, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		classifier:      classifier,
		caller:          caller,
		routes:          DefaultRoutes(),
		maxRetries:      DefaultMaxRetries,
		retryDelay:      time.Second,
		callTimeout:     DefaultCallTimeout,
		classifyTimeout: DefaultClassifyTimeout,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "orchestrator")
	return o
}

// Answer classifies question and returns the chosen agent's reply. When
// every attempt fails the returned error wraps reliability.ErrRetriesExhausted.
func (o *Orchestrator) Answer(ctx context.Context, question string) (string, error) {
	var answer string
	policy := reliability.NewFixedDelay(o.retryDelay, o.maxRetries-1)

	err := reliability.Retry(ctx, policy, func(ctx context.Context, attempt int) error {
		cctx, cancel := context.WithTimeout(ctx, o.classifyTimeout)
		label, err := o.classifier.Classify(cctx, question)
		cancel()
		if err != nil {
			o.logger.Warn("classification failed", "attempt", attempt+1, "error", err)
			return err
		}

		queue, ok := o.routes[label]
		if !ok {
			o.logger.Info("no agent for request", "label", label)
			answer = UnknownReply
			return nil
		}

		reply, err := o.caller.Call(ctx, []byte(question), queue, o.callTimeout)
		if err != nil {
			o.logger.Warn("dispatch failed", "attempt", attempt+1, "queue", queue, "error", err)
			return fmt.Errorf("dispatch to %s: %w", queue, err)
		}
		if len(reply) == 0 {
			o.logger.Warn("empty reply", "attempt", attempt+1, "queue", queue)
			return ErrEmptyReply
		}

		o.logger.Debug("request answered", "label", label, "queue", queue, "attempt", attempt+1)
		answer = string(reply)
		return nil
	})
	if err != nil {
		return "", err
	}
	return answer, nil
}

// Budget is the longest Answer can take when every attempt runs to its
// timeouts. The handler timeout of the orchestrator worker must exceed it.
func (o *Orchestrator) Budget() time.Duration {
	attempts := time.Duration(o.maxRetries)
	return attempts*(o.classifyTimeout+o.callTimeout) + (attempts-1)*o.retryDelay
}

// Handle serves the orchestrator work queue. Exhausted retries become a
// permanent error reply carrying FailureMessage; cancellation is left to
// the responder so the item is redelivered.
func (o *Orchestrator) Handle(ctx context.Context, body []byte) ([]byte, error) {
	answer, err := o.Answer(ctx, string(body))
	if err != nil {
		if errors.Is(err, reliability.ErrRetriesExhausted) {
			o.logger.Error("giving up on request", "error", err)
			return nil, rpc.Permanent(&rpc.RemoteError{Message: FailureMessage})
		}
		return nil, err
	}
	return []byte(answer), nil
}

var _ rpc.Handler = (*Orchestrator)(nil)
