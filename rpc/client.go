package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-agents/internal/correlator"
	"github.com/glimte/mmate-agents/internal/rabbitmq"
)

// Caller makes a blocking request/reply call to a work queue. It is
// implemented by *Client and faked in tests of code built on top of it.
type Caller interface {
	Call(ctx context.Context, message []byte, routingKey string, timeout time.Duration) ([]byte, error)
}

var _ Caller = (*Client)(nil)

// Client makes blocking calls to named work queues. Replies arrive on a
// private queue owned by the client's connection; a single background
// goroutine performs all broker I/O.
type Client struct {
	url        string
	supervisor *rabbitmq.Supervisor
	registry   *correlator.Registry
	logger     *slog.Logger
	metrics    MetricsCollector
	publishes  chan *publishRequest

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

type publishRequest struct {
	ctx        context.Context
	routingKey string
	token      string
	body       []byte
	result     chan error
}

// NewClient creates a client for the broker at url. Start must be called
// before Call can succeed.
func NewClient(url string, opts ...Option) *Client {
	o := buildOptions(opts)
	logger := o.logger.With("component", "rpc-client")

	c := &Client{
		url:        url,
		supervisor: o.supervisor(url, logger),
		registry:   correlator.NewRegistry(),
		logger:     logger,
		metrics:    o.metrics,
		publishes:  make(chan *publishRequest),
		done:       make(chan struct{}),
	}
	c.supervisor.AddStateListener(&connectionRecorder{component: "rpc-client", metrics: o.metrics})
	return c
}

// Start launches the background I/O goroutine. It returns immediately;
// use WaitReady to block until the reply queue is in place.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return rabbitmq.ErrAlreadyRunning
	}
	c.started = true

	go c.run(ctx)
	return nil
}

// WaitReady blocks until the client can publish calls or ctx is done
func (c *Client) WaitReady(ctx context.Context) error {
	if err := c.supervisor.WaitReady(ctx); err != nil {
		return notConnected(err)
	}
	return nil
}

// State returns the connection state
func (c *Client) State() rabbitmq.State {
	return c.supervisor.State()
}

// Supervisor exposes the connection supervisor for health checks
func (c *Client) Supervisor() *rabbitmq.Supervisor {
	return c.supervisor
}

// Pending returns the number of calls awaiting replies
func (c *Client) Pending() int {
	return c.registry.Len()
}

// Close stops the client. Calls still waiting fail with ErrConnectionLost.
func (c *Client) Close() error {
	err := c.supervisor.Close()

	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
	return err
}

// Call publishes message to routingKey and blocks until the reply arrives,
// timeout elapses or ctx is done. timeout bounds both the wait for a ready
// connection and, separately, the wait for the reply after publishing.
func (c *Client) Call(ctx context.Context, message []byte, routingKey string, timeout time.Duration) ([]byte, error) {
	start := time.Now()
	reply, err := c.call(ctx, message, routingKey, timeout)
	c.metrics.RecordCall(routingKey, time.Since(start), callOutcome(err))

	if err != nil {
		c.logger.Debug("call failed",
			"routingKey", routingKey,
			"duration", time.Since(start),
			"error", err)
	}
	return reply, err
}

func (c *Client) call(ctx context.Context, message []byte, routingKey string, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.supervisor.WaitReady(waitCtx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, notConnected(err)
	}

	token := correlator.NewToken()
	if _, err := c.registry.Register(token, timeout); err != nil {
		return nil, err
	}

	req := &publishRequest{
		ctx:        waitCtx,
		routingKey: routingKey,
		token:      token,
		body:       message,
		result:     make(chan error, 1),
	}

	select {
	case c.publishes <- req:
	case <-waitCtx.Done():
		c.registry.Remove(token)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, notConnected(errors.New("publish not accepted before timeout"))
	case <-c.done:
		c.registry.Remove(token)
		return nil, notConnected(rabbitmq.ErrSupervisorClosed)
	}

	if err := <-req.result; err != nil {
		c.registry.Remove(token)
		if rabbitmq.IsTransportError(err) {
			return nil, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		return nil, err
	}

	return c.registry.Await(ctx, token, timeout)
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	if err := c.supervisor.Run(ctx, c.session); err != nil {
		c.logger.Error("client stopped", "error", err)
	}
	if n := c.registry.FailAll(ErrConnectionLost); n > 0 {
		c.logger.Warn("failed pending calls on shutdown", "count", n)
	}
}

// session declares the reply queue and then multiplexes replies and
// publish requests until the connection ends
func (c *Client) session(ctx context.Context, sess *rabbitmq.Session) error {
	b := sess.Binding()

	replyQueue, err := b.DeclareExclusiveQueue()
	if err != nil {
		return err
	}
	replies, err := b.Consume(replyQueue, rabbitmq.AutoAck)
	if err != nil {
		return err
	}

	defer func() {
		if n := c.registry.FailAll(ErrConnectionLost); n > 0 {
			c.logger.Warn("connection lost with calls in flight", "count", n)
		}
	}()

	sess.MarkReady()
	c.logger.Info("reply queue ready", "queue", replyQueue)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-sess.Done():
			return sess.Err()

		case d, ok := <-replies:
			if !ok {
				return &rabbitmq.TransportError{Op: "consume", Queue: replyQueue, Err: rabbitmq.ErrDeliveriesClosed, Timestamp: time.Now()}
			}
			c.handleReply(d)

		case req := <-c.publishes:
			if err := req.ctx.Err(); err != nil {
				req.result <- err
				continue
			}
			// A previous session may have failed this call already.
			if !c.registry.Pending(req.token) {
				req.result <- fmt.Errorf("%w: call failed before publish", ErrConnectionLost)
				continue
			}
			err := b.Publish(req.ctx, req.routingKey, req.body, rabbitmq.PublishOptions{
				ReplyTo:       replyQueue,
				CorrelationID: req.token,
				MessageID:     req.token,
				Persistent:    true,
			})
			req.result <- err
			if err != nil && rabbitmq.IsTransportError(err) {
				return err
			}
		}
	}
}

func (c *Client) handleReply(d amqp.Delivery) {
	token := d.CorrelationId

	var delivered bool
	if isErrorReply(d) {
		delivered = c.registry.Fail(token, decodeRemoteError(d.Body))
	} else {
		delivered = c.registry.Resolve(token, d.Body)
	}

	if !delivered {
		c.metrics.RecordOrphanReply()
		c.logger.Debug("discarding reply with no pending call", "correlationId", token)
	}
}

func isErrorReply(d amqp.Delivery) bool {
	v, ok := d.Headers[errorHeader]
	if !ok {
		return false
	}
	flag, isBool := v.(bool)
	return !isBool || flag
}

func callOutcome(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrNotConnected):
		return OutcomeNotConnected
	case errors.Is(err, ErrConnectionLost):
		return OutcomeConnectionLost
	case errors.As(err, &remote):
		return OutcomeRemoteError
	default:
		return OutcomeError
	}
}
