package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/glimte/mmate-agents/health"
	"github.com/glimte/mmate-agents/interceptors"
	"github.com/glimte/mmate-agents/internal/config"
	"github.com/glimte/mmate-agents/internal/llm"
	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/internal/redelivery"
	"github.com/glimte/mmate-agents/rpc"
)

// app holds what every service process builds from its configuration
type app struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  rpc.MetricsCollector
	health   *health.Registry
	tracker  *redelivery.RedisTracker
}

func newApp(flags *globalFlags, service string) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.url != "" {
		cfg.Broker.URL = flags.url
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.Log.NewLogger(os.Stderr).With("service", service)
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := rpc.NewPrometheusMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	a := &app{
		config:   cfg,
		logger:   logger,
		registry: registry,
		metrics:  metrics,
		health:   health.NewRegistry(service),
	}
	a.health.Register(health.NewGoroutineChecker(1000, 10000))

	if cfg.Redis.URL != "" {
		tracker, err := redelivery.NewRedisTrackerFromURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create redelivery tracker: %w", err)
		}
		a.tracker = tracker
		a.health.Register(health.NewPingChecker("redis", tracker))
	}

	logger.Info("starting",
		"version", version,
		"broker", rabbitmq.SanitizeURL(cfg.Broker.URL),
		"sharedRedelivery", a.tracker != nil)
	return a, nil
}

// rpcOptions are the options for clients and responders of this process
func (a *app) rpcOptions() []rpc.Option {
	opts := []rpc.Option{
		rpc.WithLogger(a.logger),
		rpc.WithMetrics(a.metrics),
		rpc.WithReconnectDelay(a.config.Broker.ReconnectDelay),
		rpc.WithMaxDeliveries(a.config.RPC.MaxDeliveries),
		rpc.WithDeadLetter(a.config.RPC.DeadLetter),
	}
	if a.tracker != nil {
		opts = append(opts, rpc.WithTracker(a.tracker))
	}
	return opts
}

// startClient starts an RPC client and registers its connection check
func (a *app) startClient(ctx context.Context) (*rpc.Client, error) {
	client := rpc.NewClient(a.config.Broker.URL, a.rpcOptions()...)
	if err := client.Start(ctx); err != nil {
		return nil, err
	}
	a.health.Register(health.NewConnectionChecker("rabbitmq-client", client.Supervisor()))
	return client, nil
}

// newResponder creates a responder and registers its connection check
func (a *app) newResponder(handlerTimeout time.Duration) *rpc.Responder {
	opts := append(a.rpcOptions(), rpc.WithHandlerTimeout(handlerTimeout))
	responder := rpc.NewResponder(a.config.Broker.URL, opts...)
	a.health.Register(health.NewConnectionChecker("rabbitmq-worker", responder.Supervisor()))
	return responder
}

func (a *app) newCompleter() *llm.OpenAIClient {
	if a.config.LLM.APIKey == "" {
		a.logger.Warn("OPENAI_API_KEY is not set; completion calls will be rejected")
	}
	return llm.NewOpenAIClient(a.config.LLM.APIKey,
		llm.WithBaseURL(a.config.LLM.BaseURL),
		llm.WithModel(a.config.LLM.Model),
		llm.WithLogger(a.logger),
	)
}

func (a *app) close() {
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// serveHTTP runs handler on addr until ctx is done, then shuts down
// gracefully
func serveHTTP(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

// maxRequestBytes bounds the body of a single work item
const maxRequestBytes = 1 << 20

// serveWorker runs responder on queue and the HTTP handler side by side.
// The first to fail stops the other.
func serveWorker(ctx context.Context, a *app, responder *rpc.Responder, queue string, handler rpc.Handler, httpHandler http.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	handler = interceptors.NewChain(a.logger).
		Add(interceptors.NewLoggingInterceptor(a.logger)).
		Add(interceptors.NewValidationInterceptor(maxRequestBytes)).
		Then(handler)

	go func() {
		a.logger.Info("serving work queue", "queue", queue)
		errCh <- responder.Serve(ctx, queue, handler)
	}()
	go func() {
		errCh <- serveHTTP(ctx, a.logger, a.config.HTTP.Addr, httpHandler)
	}()

	err := <-errCh
	cancel()
	_ = responder.Close()
	if second := <-errCh; err == nil {
		err = second
	}
	return err
}
