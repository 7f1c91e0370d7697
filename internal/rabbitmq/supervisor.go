package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a supervised broker connection
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// SessionFunc runs one connected session on the supervisor's goroutine. It
// performs role setup on the session's binding, calls MarkReady, then
// services the connection until the session fails or ctx is cancelled.
// Returning ends the session; the supervisor reconnects unless it is closing.
type SessionFunc func(ctx context.Context, sess *Session) error

// Session is one open connection and channel
type Session struct {
	binding *Binding
	ready   func()

	done chan struct{}
	once sync.Once
	err  error
}

func newSession(binding *Binding, ready func()) *Session {
	return &Session{
		binding: binding,
		ready:   ready,
		done:    make(chan struct{}),
	}
}

// Binding returns the queue transport bound to the session's channel
func (s *Session) Binding() *Binding {
	return s.binding
}

// MarkReady signals that role setup completed and calls may proceed
func (s *Session) MarkReady() {
	s.ready()
}

// Done is closed when the connection or channel closes
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended, once Done is closed
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *Session) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Supervisor owns a broker connection: it connects, signals readiness,
// and on any failure tears the connection down and reconnects after a
// fixed delay until it is closed.
type Supervisor struct {
	url            string
	dialer         Dialer
	reconnectDelay time.Duration
	logger         *slog.Logger

	mu          sync.Mutex
	state       State
	ready       chan struct{}
	readyClosed bool
	failures    int
	running     bool
	closing     bool
	conn        Connection
	cancel      context.CancelFunc
	stopped     chan struct{}

	listeners   []ConnectionStateListener
	listenersMu sync.RWMutex
}

// SupervisorOption configures the Supervisor
type SupervisorOption func(*Supervisor)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between reconnection attempts
func WithReconnectDelay(delay time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.reconnectDelay = delay
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer Dialer) SupervisorOption {
	return func(s *Supervisor) {
		s.dialer = dialer
	}
}

// NewSupervisor creates a supervisor for the broker at url
func NewSupervisor(url string, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		url:            url,
		dialer:         AMQPDialer{},
		reconnectDelay: 5 * time.Second,
		logger:         slog.Default(),
		state:          StateDisconnected,
		ready:          make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// Run drives the connection lifecycle on the calling goroutine until ctx is
// cancelled or Close is called. fn is invoked once per established
// connection.
func (s *Supervisor) Run(ctx context.Context, fn SessionFunc) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	defer s.markClosed()
	defer cancel()

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.beginConnect()
		err := s.runSession(ctx, fn)
		if ctx.Err() != nil {
			return nil
		}
		s.markFailed(err)

		timer := time.NewTimer(s.reconnectDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

// runSession dials, opens a channel and hands the session to fn
func (s *Supervisor) runSession(ctx context.Context, fn SessionFunc) error {
	conn, err := s.dialer.Dial(s.url)
	if err != nil {
		return &ConnectionError{
			Op:        "dial",
			URL:       SanitizeURL(s.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  s.failureCount() + 1,
		}
	}
	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	s.setConnection(conn)
	defer func() {
		s.setConnection(nil)
		if !conn.IsClosed() {
			if closeErr := conn.Close(); closeErr != nil {
				s.logger.Debug("error closing connection", "error", closeErr)
			}
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(s.url),
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	sess := newSession(NewBinding(ch), s.markReady)
	stop := make(chan struct{})
	defer close(stop)
	go watchClose(sess, connClosed, chClosed, stop)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = fn(sessCtx, sess)
	if err == nil {
		err = sess.Err()
	}
	if err == nil {
		err = ErrConnectionClosed
	}
	return err
}

func watchClose(sess *Session, connClosed, chClosed <-chan *amqp.Error, stop <-chan struct{}) {
	select {
	case amqpErr, ok := <-connClosed:
		sess.fail(closeError("connection closed", amqpErr, ok))
	case amqpErr, ok := <-chClosed:
		sess.fail(closeError("channel closed", amqpErr, ok))
	case <-stop:
	}
}

func closeError(op string, amqpErr *amqp.Error, ok bool) error {
	if ok && amqpErr != nil {
		return newTransportError(op, "", amqpErr)
	}
	return newTransportError(op, "", ErrConnectionClosed)
}

// WaitReady blocks until the supervisor is connected and its session is set
// up, or ctx is done
func (s *Supervisor) WaitReady(ctx context.Context) error {
	s.mu.Lock()
	ready := s.ready
	closing := s.closing
	s.mu.Unlock()

	if closing {
		return fmt.Errorf("%w: %v", ErrNotConnected, ErrSupervisorClosed)
	}

	select {
	case <-ready:
		return nil
	case <-s.stopped:
		return fmt.Errorf("%w: %v", ErrNotConnected, ErrSupervisorClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrNotConnected, ctx.Err())
	}
}

// Ready returns a channel closed once the current connection is ready
func (s *Supervisor) Ready() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsConnected reports whether the supervisor is in StateConnected
func (s *Supervisor) IsConnected() bool {
	return s.State() == StateConnected
}

// Close stops reconnecting, closes the connection and waits for Run to
// return. It must not be called from inside a SessionFunc.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	running := s.running
	cancel := s.cancel
	conn := s.conn
	if s.state != StateDisconnected {
		s.state = StateClosing
	}
	s.mu.Unlock()

	s.logger.Info("connection supervisor shutting down", "url", SanitizeURL(s.url))

	if cancel != nil {
		cancel()
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			s.logger.Debug("error closing connection", "error", err)
		}
	}
	if running {
		<-s.stopped
	}
	return nil
}

func (s *Supervisor) beginConnect() {
	s.mu.Lock()
	s.state = StateConnecting
	attempt := s.failures
	s.mu.Unlock()

	if attempt > 0 {
		s.logger.Info("attempting to reconnect", "attempt", attempt)
		s.notifyReconnecting(attempt)
	}
}

func (s *Supervisor) markReady() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.state = StateConnected
	s.failures = 0
	if !s.readyClosed {
		close(s.ready)
		s.readyClosed = true
	}
	s.mu.Unlock()

	s.logger.Info("connected to RabbitMQ", "url", SanitizeURL(s.url))
	s.notifyConnected()
}

func (s *Supervisor) markFailed(err error) {
	s.mu.Lock()
	s.state = StateFailed
	s.failures++
	attempts := s.failures
	if s.readyClosed {
		s.ready = make(chan struct{})
		s.readyClosed = false
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	s.logger.Error("connection failed",
		"error", err,
		"attempts", attempts,
		"nextRetryIn", s.reconnectDelay)
	s.notifyDisconnected(err)
}

func (s *Supervisor) markClosed() {
	s.mu.Lock()
	wasConnected := s.state == StateConnected
	s.state = StateClosing
	s.closing = true
	if s.readyClosed {
		s.ready = make(chan struct{})
		s.readyClosed = false
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	close(s.stopped)
	s.logger.Info("connection supervisor stopped")
	if wasConnected {
		s.notifyDisconnected(nil)
	}
}

func (s *Supervisor) setConnection(conn Connection) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Supervisor) failureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// AddStateListener adds a connection state listener
func (s *Supervisor) AddStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// RemoveStateListener removes a connection state listener
func (s *Supervisor) RemoveStateListener(listener ConnectionStateListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}

func (s *Supervisor) notifyConnected() {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnConnected()
	}
}

func (s *Supervisor) notifyDisconnected(err error) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnDisconnected(err)
	}
}

func (s *Supervisor) notifyReconnecting(attempt int) {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()

	for _, listener := range s.listeners {
		go listener.OnReconnecting(attempt)
	}
}
