package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrNotConnected     = errors.New("rabbitmq: not connected")
	ErrConnectionClosed = errors.New("rabbitmq: connection is closed")
	ErrSupervisorClosed = errors.New("rabbitmq: supervisor is closed")
	ErrAlreadyRunning   = errors.New("rabbitmq: supervisor already running")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")
	ErrDeliveriesClosed      = errors.New("rabbitmq: delivery stream closed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a failure to establish a broker connection
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Number of attempts made
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TransportError is returned by every Binding operation that fails at the
// broker level, including any operation attempted on a closed channel.
// It is not retried locally; it ends the current session so the supervisor
// can reconnect.
type TransportError struct {
	Op        string    // Operation that failed (declare, publish, consume, qos)
	Queue     string    // Queue or routing key involved, if any
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TransportError) Error() string {
	if e.Queue != "" {
		return fmt.Sprintf("rabbitmq transport error: %s %q: %v", e.Op, e.Queue, e.Err)
	}
	return fmt.Sprintf("rabbitmq transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func newTransportError(op, queue string, err error) *TransportError {
	return &TransportError{
		Op:        op,
		Queue:     queue,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// IsTransportError reports whether err was raised by the broker transport
func IsTransportError(err error) bool {
	var transportErr *TransportError
	return errors.As(err, &transportErr)
}

// SanitizeURL removes the password from an AMQP URL for logging
func SanitizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
