package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/internal/redelivery"
)

// Handler processes the body of one work item and returns the reply body
type Handler interface {
	Handle(ctx context.Context, body []byte) ([]byte, error)
}

// HandlerFunc is a function adapter for Handler
type HandlerFunc func(ctx context.Context, body []byte) ([]byte, error)

func (f HandlerFunc) Handle(ctx context.Context, body []byte) ([]byte, error) {
	return f(ctx, body)
}

// Responder serves a named work queue one item at a time. A work item is
// acknowledged only after its reply has been published.
type Responder struct {
	url            string
	supervisor     *rabbitmq.Supervisor
	logger         *slog.Logger
	metrics        MetricsCollector
	tracker        redelivery.Tracker
	maxDeliveries  int
	handlerTimeout time.Duration
	deadLetter     bool
}

// NewResponder creates a responder for the broker at url
func NewResponder(url string, opts ...Option) *Responder {
	o := buildOptions(opts)
	logger := o.logger.With("component", "rpc-responder")

	r := &Responder{
		url:            url,
		supervisor:     o.supervisor(url, logger),
		logger:         logger,
		metrics:        o.metrics,
		tracker:        o.tracker,
		maxDeliveries:  o.maxDeliveries,
		handlerTimeout: o.handlerTimeout,
		deadLetter:     o.deadLetter,
	}
	r.supervisor.AddStateListener(&connectionRecorder{component: "rpc-responder", metrics: o.metrics})
	return r
}

// Serve consumes queue and answers every work item with handler's result.
// It blocks, reconnecting as needed, until ctx is cancelled or Close is
// called.
func (r *Responder) Serve(ctx context.Context, queue string, handler Handler) error {
	if queue == "" {
		return ErrInvalidQueue
	}
	if handler == nil {
		return ErrInvalidHandler
	}

	wq := rabbitmq.WorkQueue{Name: queue, DeadLetter: r.deadLetter}
	return r.supervisor.Run(ctx, func(ctx context.Context, sess *rabbitmq.Session) error {
		return r.session(ctx, sess, wq, handler)
	})
}

// WaitReady blocks until the responder is consuming or ctx is done
func (r *Responder) WaitReady(ctx context.Context) error {
	if err := r.supervisor.WaitReady(ctx); err != nil {
		return notConnected(err)
	}
	return nil
}

// Supervisor exposes the connection supervisor for health checks
func (r *Responder) Supervisor() *rabbitmq.Supervisor {
	return r.supervisor
}

// Close stops serving. A work item being handled is left unacknowledged
// and is redelivered by the broker.
func (r *Responder) Close() error {
	return r.supervisor.Close()
}

func (r *Responder) session(ctx context.Context, sess *rabbitmq.Session, wq rabbitmq.WorkQueue, handler Handler) error {
	b := sess.Binding()

	if err := wq.Declare(b); err != nil {
		return err
	}
	if err := b.SetPrefetch(1); err != nil {
		return err
	}
	deliveries, err := b.Consume(wq.Name, rabbitmq.ManualAck)
	if err != nil {
		return err
	}

	sess.MarkReady()
	r.logger.Info("serving work queue", "queue", wq.Name, "deadLetter", wq.DeadLetter)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-sess.Done():
			return sess.Err()

		case d, ok := <-deliveries:
			if !ok {
				return &rabbitmq.TransportError{Op: "consume", Queue: wq.Name, Err: rabbitmq.ErrDeliveriesClosed, Timestamp: time.Now()}
			}
			if err := r.process(ctx, sess, wq.Name, d, handler); err != nil {
				return err
			}
		}
	}
}

// process runs the handler for one work item and settles it. A returned
// error ends the session with the item unsettled.
func (r *Responder) process(ctx context.Context, sess *rabbitmq.Session, queue string, d amqp.Delivery, handler Handler) error {
	start := time.Now()
	logger := r.logger.With("queue", queue, "correlationId", d.CorrelationId)

	reply, completed, handlerErr := r.invoke(ctx, sess, queue, d, handler)
	if !completed {
		if ctx.Err() != nil {
			return nil
		}
		return sess.Err()
	}

	b := sess.Binding()
	key := itemKey(d)

	if handlerErr == nil {
		if err := r.reply(ctx, b, d, reply, false); err != nil {
			return err
		}
		if err := d.Ack(false); err != nil {
			return &rabbitmq.TransportError{Op: "ack", Queue: queue, Err: err, Timestamp: time.Now()}
		}
		r.clear(ctx, key)
		r.metrics.RecordWorkItem(queue, time.Since(start), WorkAcked)
		logger.Debug("work item processed", "duration", time.Since(start))
		return nil
	}

	if IsPermanent(handlerErr) {
		logger.Warn("handler failed permanently", "error", handlerErr)
		if err := r.reply(ctx, b, d, encodeRemoteError(handlerErr), true); err != nil {
			return err
		}
		if err := d.Ack(false); err != nil {
			return &rabbitmq.TransportError{Op: "ack", Queue: queue, Err: err, Timestamp: time.Now()}
		}
		r.clear(ctx, key)
		r.metrics.RecordWorkItem(queue, time.Since(start), WorkErrorReply)
		return nil
	}

	attempts := r.countAttempt(ctx, key, d, logger)

	if attempts < r.maxDeliveries {
		logger.Warn("handler failed, requeueing work item",
			"error", handlerErr,
			"attempt", attempts,
			"maxDeliveries", r.maxDeliveries)
		if err := d.Nack(false, true); err != nil {
			return &rabbitmq.TransportError{Op: "nack", Queue: queue, Err: err, Timestamp: time.Now()}
		}
		r.metrics.RecordWorkItem(queue, time.Since(start), WorkRequeued)
		return nil
	}

	logger.Error("handler failed, rejecting work item",
		"error", handlerErr,
		"attempts", attempts)
	if err := r.reply(ctx, b, d, encodeRemoteError(handlerErr), true); err != nil {
		return err
	}
	if err := d.Reject(false); err != nil {
		return &rabbitmq.TransportError{Op: "reject", Queue: queue, Err: err, Timestamp: time.Now()}
	}
	r.clear(ctx, key)
	r.metrics.RecordWorkItem(queue, time.Since(start), WorkRejected)
	return nil
}

// invoke runs the handler on its own goroutine while watching the session.
// completed is false when the session or ctx ended first.
func (r *Responder) invoke(ctx context.Context, sess *rabbitmq.Session, queue string, d amqp.Delivery, handler Handler) (reply []byte, completed bool, err error) {
	hctx, cancel := context.WithTimeout(ctx, r.handlerTimeout)
	defer cancel()

	type outcome struct {
		reply []byte
		err   error
	}
	results := make(chan outcome, 1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				results <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		reply, err := handler.Handle(ContextWithWorkItem(hctx, newWorkItem(queue, d)), d.Body)
		results <- outcome{reply: reply, err: err}
	}()

	select {
	case o := <-results:
		if o.err != nil && hctx.Err() != nil {
			if ctx.Err() != nil {
				return nil, false, nil
			}
			return nil, true, fmt.Errorf("%w after %v", ErrHandlerTimeout, r.handlerTimeout)
		}
		return o.reply, true, o.err
	case <-hctx.Done():
		if ctx.Err() != nil {
			return nil, false, nil
		}
		return nil, true, fmt.Errorf("%w after %v", ErrHandlerTimeout, r.handlerTimeout)
	case <-sess.Done():
		return nil, false, nil
	}
}

// reply publishes body to the item's reply queue. Items without a reply
// queue are logged and dropped.
func (r *Responder) reply(ctx context.Context, b *rabbitmq.Binding, d amqp.Delivery, body []byte, isError bool) error {
	if d.ReplyTo == "" {
		r.logger.Warn("work item has no reply_to, dropping result",
			"correlationId", d.CorrelationId,
			"result", string(body))
		return nil
	}

	opts := rabbitmq.PublishOptions{
		CorrelationID: d.CorrelationId,
		MessageID:     uuid.NewString(),
		Persistent:    true,
	}
	if isError {
		opts.ContentType = "application/json"
		opts.Headers = amqp.Table{errorHeader: true}
	}

	return b.Publish(context.WithoutCancel(ctx), d.ReplyTo, body, opts)
}

func (r *Responder) clear(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := r.tracker.Clear(context.WithoutCancel(ctx), key); err != nil {
		r.logger.Warn("failed to clear delivery count", "key", key, "error", err)
	}
}

// itemKey identifies a work item across redeliveries. Items without a
// message or correlation id have no stable identity and are not tracked.
func itemKey(d amqp.Delivery) string {
	if d.MessageId != "" {
		return d.MessageId
	}
	return d.CorrelationId
}

// countAttempt returns the delivery attempt of d. Without a tracked count
// the broker's redelivered flag decides: a first delivery is attempt 1 and
// a redelivery is the last attempt.
func (r *Responder) countAttempt(ctx context.Context, key string, d amqp.Delivery, logger *slog.Logger) int {
	if key != "" {
		attempts, err := r.tracker.Increment(ctx, key)
		if err == nil {
			return attempts
		}
		logger.Warn("failed to count delivery attempt", "error", err)
	}
	if d.Redelivered {
		return r.maxDeliveries
	}
	return 1
}
