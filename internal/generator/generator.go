// Package generator serves language model completions, both as an RPC
// worker on a generator work queue and over HTTP.
package generator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/glimte/mmate-agents/internal/llm"
	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/rpc"
)

// Role identifies a generator
type Role string

const (
	RoleText     Role = "text"
	RoleDiagram  Role = "diagram"
	RoleSoftware Role = "software"
)

// ErrUnknownRole is returned for a role without a profile
var ErrUnknownRole = errors.New("generator: unknown role")

// Profile is the queue and system prompt of a generator role
type Profile struct {
	Queue        string
	Instructions string
}

var profiles = map[Role]Profile{
	RoleText: {
		Queue:        rabbitmq.QueueLanguageGenerator,
		Instructions: llm.DefaultInstructions,
	},
	RoleDiagram: {
		Queue: rabbitmq.QueueDiagramGenerator,
		Instructions: "You are a helpful assistant that draws diagrams. " +
			"Answer with a single Mermaid code block that best visualises the request, " +
			"followed by one sentence describing it.",
	},
	RoleSoftware: {
		Queue: rabbitmq.QueueSoftwareGenerator,
		Instructions: "You are a helpful assistant and an experienced software engineer. " +
			"Answer with working, idiomatic code and a short explanation.",
	},
}

// Lookup returns the profile for role
func Lookup(role Role) (Profile, error) {
	p, ok := profiles[role]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	return p, nil
}

// Roles lists the known roles, sorted
func Roles() []string {
	names := make([]string, 0, len(profiles))
	for role := range profiles {
		names = append(names, string(role))
	}
	sort.Strings(names)
	return names
}

// Generator turns a prompt into model output
type Generator struct {
	role      Role
	profile   Profile
	completer llm.Completer
	model     string
	logger    *slog.Logger
}

// Option configures a Generator
type Option func(*Generator)

// WithModel sets the model used when a request names none
func WithModel(model string) Option {
	return func(g *Generator) {
		g.model = model
	}
}

// WithInstructions replaces the role's system prompt
func WithInstructions(instructions string) Option {
	return func(g *Generator) {
		if instructions != "" {
			g.profile.Instructions = instructions
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = logger
	}
}

// New creates the generator for role
func New(role Role, completer llm.Completer, opts ...Option) (*Generator, error) {
	profile, err := Lookup(role)
	if err != nil {
		return nil, err
	}
	g := &Generator{
		role:      role,
		profile:   profile,
		completer: completer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "generator", "role", string(role))
	return g, nil
}

// Queue returns the work queue the generator consumes
func (g *Generator) Queue() string {
	return g.profile.Queue
}

// Request builds a completion request, filling model and instructions
// from the generator when the caller leaves them empty
func (g *Generator) Request(input, model, instructions string) llm.Request {
	if model == "" {
		model = g.model
	}
	if instructions == "" {
		instructions = g.profile.Instructions
	}
	return llm.Request{Model: model, Instructions: instructions, Input: input}
}

// Handle answers a work item with the model output for its body. Requests
// the API rejects, and empty outputs, are permanent failures; anything
// else is left to redelivery.
func (g *Generator) Handle(ctx context.Context, body []byte) ([]byte, error) {
	text, err := g.completer.Complete(ctx, g.Request(string(body), "", ""))
	if err != nil {
		g.logger.Warn("completion failed", "error", err)
		if isPermanent(err) {
			return nil, rpc.Permanent(err)
		}
		return nil, err
	}
	return []byte(text), nil
}

func isPermanent(err error) bool {
	if errors.Is(err, llm.ErrEmptyResponse) {
		return true
	}
	var apiErr *llm.APIError
	return errors.As(err, &apiErr) && !apiErr.Temporary()
}

var _ rpc.Handler = (*Generator)(nil)
