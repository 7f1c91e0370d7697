// Package llm talks to an OpenAI compatible Responses API.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/glimte/mmate-agents/internal/reliability"
)

const (
	// DefaultBaseURL is the public OpenAI API
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when neither the client nor the request names one
	DefaultModel = "gpt-4o-mini"

	// DefaultInstructions is the system prompt applied when a request has none
	DefaultInstructions = "You are a helpful assistant."
)

// ErrEmptyResponse is returned when the API answers without any output text
var ErrEmptyResponse = errors.New("llm: response contained no output text")

// Request is one completion request
type Request struct {
	Model        string
	Instructions string
	Input        string
}

// Completer produces model output for a request
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request, onDelta func(delta string) error) error
	Models(ctx context.Context) ([]string, error)
}

// APIError is a non-2xx answer from the API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("OpenAI API error (%d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed if repeated
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// OpenAIClient calls the Responses API
type OpenAIClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
	policy  reliability.Policy
	breaker *reliability.Breaker
	logger  *slog.Logger
}

// Option configures an OpenAIClient
type Option func(*OpenAIClient)

// WithBaseURL points the client at another OpenAI compatible endpoint
func WithBaseURL(baseURL string) Option {
	return func(c *OpenAIClient) {
		if baseURL != "" {
			c.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithModel sets the model used when a request does not name one
func WithModel(model string) Option {
	return func(c *OpenAIClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient replaces the HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *OpenAIClient) {
		c.client = client
	}
}

// WithRetryPolicy sets the policy for retrying throttled or failed calls
func WithRetryPolicy(policy reliability.Policy) Option {
	return func(c *OpenAIClient) {
		c.policy = policy
	}
}

// WithBreaker guards API calls with a circuit breaker
func WithBreaker(breaker *reliability.Breaker) Option {
	return func(c *OpenAIClient) {
		c.breaker = breaker
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *OpenAIClient) {
		c.logger = logger
	}
}

// NewOpenAIClient creates a client authenticating with apiKey
func NewOpenAIClient(apiKey string, opts ...Option) *OpenAIClient {
	c := &OpenAIClient{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		model:   DefaultModel,
		client:  &http.Client{Timeout: 2 * time.Minute},
		policy:  reliability.NewExponentialBackoff(500*time.Millisecond, 10*time.Second, 2.0, 2),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = reliability.NewBreaker("openai",
			reliability.WithBreakerLogger(c.logger),
			reliability.WithFailurePredicate(isOutage),
		)
	}
	return c
}

// Model returns the default model
func (c *OpenAIClient) Model() string {
	return c.model
}

type responsesRequest struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Input        string `json:"input"`
	Stream       bool   `json:"stream,omitempty"`
}

type responsesResponse struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Delta   string `json:"delta"`
	Message string `json:"message"`
}

func (c *OpenAIClient) body(req Request, stream bool) responsesRequest {
	body := responsesRequest{
		Model:        req.Model,
		Instructions: req.Instructions,
		Input:        req.Input,
		Stream:       stream,
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if body.Instructions == "" {
		body.Instructions = DefaultInstructions
	}
	return body
}

// Complete returns the full output text for req
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	var text string
	err := c.do(ctx, func(ctx context.Context) error {
		resp, err := c.post(ctx, "/responses", c.body(req, false))
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var decoded responsesResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return reliability.Unretryable(fmt.Errorf("failed to decode response: %w", err))
		}

		var sb strings.Builder
		for _, item := range decoded.Output {
			for _, content := range item.Content {
				if content.Type == "output_text" {
					sb.WriteString(content.Text)
				}
			}
		}
		text = sb.String()
		return nil
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// Stream calls onDelta with each output text fragment as it arrives.
// Only opening the stream is retried; once a delta has been delivered a
// failure is returned as is.
func (c *OpenAIClient) Stream(ctx context.Context, req Request, onDelta func(delta string) error) error {
	var resp *http.Response
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.post(ctx, "/responses", c.body(req, true))
		return err
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			c.logger.Warn("skipping malformed stream event", "error", err)
			continue
		}

		switch event.Type {
		case "response.output_text.delta":
			if err := onDelta(event.Delta); err != nil {
				return err
			}
		case "response.completed":
			return nil
		case "error", "response.failed":
			return fmt.Errorf("stream failed: %s", event.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read stream: %w", err)
	}
	return nil
}

// Models lists the model identifiers available to the API key, sorted
func (c *OpenAIClient) Models(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.do(ctx, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
		if err != nil {
			return reliability.Unretryable(err)
		}
		resp, err := c.send(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var decoded struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return reliability.Unretryable(fmt.Errorf("failed to decode models: %w", err))
		}

		ids = make([]string, 0, len(decoded.Data))
		for _, m := range decoded.Data {
			ids = append(ids, m.ID)
		}
		sort.Strings(ids)
		return nil
	})
	return ids, err
}

// do runs fn under the breaker and the retry policy. Client errors other
// than throttling are not retried.
func (c *OpenAIClient) do(ctx context.Context, fn func(ctx context.Context) error) error {
	err := reliability.Retry(ctx, c.policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			c.logger.Debug("retrying OpenAI request", "attempt", attempt)
		}
		err := c.breaker.Execute(ctx, fn)
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Temporary() {
			return reliability.Unretryable(err)
		}
		if errors.Is(err, reliability.ErrCircuitOpen) {
			return reliability.Unretryable(err)
		}
		return err
	})
	var retryErr *reliability.RetryError
	if errors.As(err, &retryErr) {
		return retryErr.LastError
	}
	return err
}

// isOutage reports errors that say the API itself is unavailable
func isOutage(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return true
}

func (c *OpenAIClient) post(ctx context.Context, path string, body interface{}) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, reliability.Unretryable(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, reliability.Unretryable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	return c.send(httpReq)
}

func (c *OpenAIClient) send(httpReq *http.Request) (*http.Response, error) {
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}
