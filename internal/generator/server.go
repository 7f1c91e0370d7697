package generator

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-agents/health"
	"github.com/glimte/mmate-agents/internal/llm"
)

// Params are the request parameters of POST /response and POST /run,
// read from the query string and then from a JSON body
type Params struct {
	Message      string `json:"message"`
	Model        string `json:"model"`
	Instructions string `json:"instructions"`
	Stream       bool   `json:"stream"`
}

// Server is the HTTP surface of a generator
type Server struct {
	generator *Generator
	completer llm.Completer
	logger    *slog.Logger
}

// NewRouter returns the generator routes together with the shared health
// and metrics endpoints
func NewRouter(g *Generator, registry *health.Registry, gatherer prometheus.Gatherer) *mux.Router {
	s := &Server{generator: g, completer: g.completer, logger: g.logger}

	r := health.NewAdminRouter(registry, gatherer)
	r.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/response", s.handleResponse).Methods(http.MethodPost)
	r.HandleFunc("/run", s.handleResponse).Methods(http.MethodPost)
	return r
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.completer.Models(r.Context())
	if err != nil {
		s.logger.Error("listing models failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	params, err := parseParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	req := s.generator.Request(params.Message, params.Model, params.Instructions)
	if params.Stream {
		s.stream(w, r, req)
		return
	}

	text, err := s.completer.Complete(r.Context(), req)
	if err != nil {
		s.logger.Error("completion failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": text})
}

// stream writes each delta as it arrives. The status is committed with the
// first delta, so a failure after that can only cut the body short.
func (s *Server) stream(w http.ResponseWriter, r *http.Request, req llm.Request) {
	flusher, _ := w.(http.Flusher)
	started := false

	err := s.completer.Stream(r.Context(), req, func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, delta); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})

	switch {
	case err != nil && !started:
		s.logger.Error("stream failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	case err != nil:
		s.logger.Warn("stream interrupted", "error", err)
	case !started:
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}

func parseParams(r *http.Request) (Params, error) {
	q := r.URL.Query()
	params := Params{
		Message:      q.Get("message"),
		Model:        q.Get("model"),
		Instructions: q.Get("instructions"),
	}
	if v := q.Get("stream"); v != "" {
		stream, err := strconv.ParseBool(v)
		if err != nil {
			return Params{}, errors.New("stream must be a boolean")
		}
		params.Stream = stream
	}

	var body Params
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		return Params{}, errors.New("invalid JSON body")
	}
	if body.Message != "" {
		params.Message = body.Message
	}
	if body.Model != "" {
		params.Model = body.Model
	}
	if body.Instructions != "" {
		params.Instructions = body.Instructions
	}
	params.Stream = params.Stream || body.Stream
	return params, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
