// Package agent implements the text, diagram and software agents. Each
// agent consumes its own work queue and forwards the request to the
// generator for its role.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/rpc"
)

// DefaultCallTimeout bounds the call to the generator
const DefaultCallTimeout = 120 * time.Second

// Role identifies an agent
type Role string

const (
	RoleText     Role = "text"
	RoleDiagram  Role = "diagram"
	RoleSoftware Role = "software"
)

// ErrUnknownRole is returned for a role without a route
var ErrUnknownRole = errors.New("agent: unknown role")

// Route is the pair of queues an agent sits between
type Route struct {
	Queue     string
	Generator string
}

var routes = map[Role]Route{
	RoleText:     {Queue: rabbitmq.QueueLanguageAgent, Generator: rabbitmq.QueueLanguageGenerator},
	RoleDiagram:  {Queue: rabbitmq.QueueDiagramAgent, Generator: rabbitmq.QueueDiagramGenerator},
	RoleSoftware: {Queue: rabbitmq.QueueSoftwareAgent, Generator: rabbitmq.QueueSoftwareGenerator},
}

// Lookup returns the route for role
func Lookup(role Role) (Route, error) {
	route, ok := routes[role]
	if !ok {
		return Route{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return route, nil
}

// Roles lists the known roles, sorted
func Roles() []string {
	names := make([]string, 0, len(routes))
	for role := range routes {
		names = append(names, string(role))
	}
	sort.Strings(names)
	return names
}

// Agent forwards work items to its generator
type Agent struct {
	role    Role
	route   Route
	caller  rpc.Caller
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures an Agent
type Option func(*Agent)

// WithCallTimeout sets the generator call timeout
func WithCallTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// New creates the agent for role
func New(role Role, caller rpc.Caller, opts ...Option) (*Agent, error) {
	route, err := Lookup(role)
	if err != nil {
		return nil, err
	}
	a := &Agent{
		role:    role,
		route:   route,
		caller:  caller,
		timeout: DefaultCallTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent", "role", string(role))
	return a, nil
}

// Queue returns the work queue the agent consumes
func (a *Agent) Queue() string {
	return a.route.Queue
}

// Handle forwards body to the generator. An error reply from the generator
// is passed back to the caller as is; transport failures are returned as
// transient so the item is redelivered.
func (a *Agent) Handle(ctx context.Context, body []byte) ([]byte, error) {
	reply, err := a.caller.Call(ctx, body, a.route.Generator, a.timeout)
	if err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			a.logger.Warn("generator reported an error", "generator", a.route.Generator, "error", remote.Message)
			return nil, rpc.Permanent(remote)
		}
		return nil, fmt.Errorf("call %s: %w", a.route.Generator, err)
	}
	return reply, nil
}

var _ rpc.Handler = (*Agent)(nil)
