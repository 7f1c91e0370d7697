// Package gateway is the HTTP front door. Questions are forwarded to the
// orchestrator work queue and its answer is returned to the client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/glimte/mmate-agents/health"
	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/rpc"
)

// DefaultCallTimeout bounds the call to the orchestrator
const DefaultCallTimeout = 180 * time.Second

// Gateway serves the public API
type Gateway struct {
	caller   rpc.Caller
	queue    string
	timeout  time.Duration
	registry *health.Registry
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures a Gateway
type Option func(*Gateway)

// WithCallTimeout sets the orchestrator call timeout
func WithCallTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithQueue sets the queue questions are sent to
func WithQueue(queue string) Option {
	return func(g *Gateway) {
		g.queue = queue
	}
}

// WithHealth sets the registry served on /health
func WithHealth(registry *health.Registry) Option {
	return func(g *Gateway) {
		g.registry = registry
	}
}

// WithGatherer sets the metrics served on /metrics
func WithGatherer(gatherer prometheus.Gatherer) Option {
	return func(g *Gateway) {
		g.gatherer = gatherer
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// New creates a gateway calling the orchestrator through caller
func New(caller rpc.Caller, opts ...Option) *Gateway {
	g := &Gateway{
		caller:   caller,
		queue:    rabbitmq.QueueOrchestrator,
		timeout:  DefaultCallTimeout,
		registry: health.NewRegistry("gateway"),
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// Handler returns the routes wrapped in an allow-all CORS policy
func (g *Gateway) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(g.Router())
}

// Router exposes the bare routes without CORS
func (g *Gateway) Router() *mux.Router {
	r := health.NewAdminRouter(g.registry, g.gatherer)
	r.HandleFunc("/api/handle-question", g.handleQuestion).Methods(http.MethodPost)
	r.HandleFunc("/route", g.handleRoute).Methods(http.MethodPost)
	return r
}

// Ask sends question to the orchestrator and waits for the answer
func (g *Gateway) Ask(ctx context.Context, question string) (string, error) {
	reply, err := g.caller.Call(ctx, []byte(question), g.queue, g.timeout)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

type questionRequest struct {
	Question string `json:"question"`
}

type routeRequest struct {
	Text string `json:"text"`
}

type answerResponse struct {
	UserResponse *string `json:"user_response,omitempty"`
	Error        *string `json:"error,omitempty"`
}

func (g *Gateway) handleQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g.answer(w, r, req.Question)
}

func (g *Gateway) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	g.answer(w, r, req.Text)
}

// answer maps the call outcome to the response: an error reported by the
// pipeline is shown to the user, anything else is a generic 500
func (g *Gateway) answer(w http.ResponseWriter, r *http.Request, question string) {
	question = strings.TrimSpace(question)
	if question == "" {
		writeDetail(w, http.StatusBadRequest, "question is required")
		return
	}

	reply, err := g.Ask(r.Context(), question)
	if err != nil {
		var remote *rpc.RemoteError
		if errors.As(err, &remote) {
			g.logger.Warn("pipeline reported an error", "error", remote.Message)
			writeJSON(w, http.StatusOK, answerResponse{Error: &remote.Message})
			return
		}
		g.logger.Error("question failed", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, answerResponse{UserResponse: &reply})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
