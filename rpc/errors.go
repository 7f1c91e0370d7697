package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/glimte/mmate-agents/internal/correlator"
)

var (
	// ErrNotConnected is returned when no ready connection was available
	// within the call timeout
	ErrNotConnected = errors.New("rpc: not connected to broker")

	// ErrTimeout is returned when no reply arrived within the call timeout
	ErrTimeout = correlator.ErrTimeout

	// ErrConnectionLost is returned to calls in flight when the connection
	// closes before their reply arrives
	ErrConnectionLost = errors.New("rpc: connection lost before reply")

	// ErrHandlerTimeout is reported when a handler exceeds its time budget
	ErrHandlerTimeout = errors.New("rpc: handler timed out")

	ErrInvalidQueue   = errors.New("rpc: queue name is required")
	ErrInvalidHandler = errors.New("rpc: handler is required")
)

// errorHeader marks a reply whose body is an encoded RemoteError
const errorHeader = "x-rpc-error"

// RemoteError is a failure reported by the worker that handled a call
type RemoteError struct {
	Message string `json:"error"`
}

func (e *RemoteError) Error() string {
	return "rpc: remote error: " + e.Message
}

// Permanent marks a handler error as not worth retrying. The responder
// answers the caller with an error reply and acknowledges the work item
// instead of requeueing it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func encodeRemoteError(err error) []byte {
	remote := &RemoteError{Message: err.Error()}
	var re *RemoteError
	if errors.As(err, &re) {
		remote.Message = re.Message
	}
	body, marshalErr := json.Marshal(remote)
	if marshalErr != nil {
		return []byte(`{"error":"unknown error"}`)
	}
	return body
}

func decodeRemoteError(body []byte) *RemoteError {
	var remote RemoteError
	if err := json.Unmarshal(body, &remote); err != nil || remote.Message == "" {
		return &RemoteError{Message: string(body)}
	}
	return &remote
}

func notConnected(cause error) error {
	return fmt.Errorf("%w: %v", ErrNotConnected, cause)
}
