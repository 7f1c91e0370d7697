package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-agents/health"
	"github.com/glimte/mmate-agents/internal/agent"
	"github.com/glimte/mmate-agents/internal/gateway"
	"github.com/glimte/mmate-agents/internal/generator"
	"github.com/glimte/mmate-agents/internal/orchestrator"
	"github.com/glimte/mmate-agents/internal/rabbitmq"
	"github.com/glimte/mmate-agents/rpc"
)

func newGatewayCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Serve the public HTTP API",
		Long:  "Accept questions on POST /api/handle-question and POST /route and forward them to the orchestrator.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(flags, "gateway")
			if err != nil {
				return err
			}
			defer a.close()

			client, err := a.startClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			gw := gateway.New(client,
				gateway.WithCallTimeout(a.config.Budgets().GatewayCall),
				gateway.WithHealth(a.health),
				gateway.WithGatherer(a.registry),
				gateway.WithLogger(a.logger),
			)
			return serveHTTP(ctx, a.logger, a.config.HTTP.Addr, gw.Handler())
		},
	}
}

func newOrchestratorCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Classify questions and dispatch them to agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(flags, "orchestrator")
			if err != nil {
				return err
			}
			defer a.close()

			client, err := a.startClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			budgets := a.config.Budgets()
			completer := a.newCompleter()
			orch := orchestrator.New(
				orchestrator.NewLLMClassifier(completer, a.config.LLM.Model),
				client,
				orchestrator.WithMaxRetries(a.config.Orchestrator.MaxRetries),
				orchestrator.WithRetryDelay(a.config.Orchestrator.RetryDelay),
				orchestrator.WithClassifyTimeout(budgets.Classify),
				orchestrator.WithCallTimeout(budgets.OrchestratorCall),
				orchestrator.WithLogger(a.logger),
			)

			admin := health.NewAdminRouter(a.health, a.registry)
			return serveWorker(ctx, a, a.newResponder(budgets.OrchestratorHandler), rabbitmq.QueueOrchestrator, orch, admin)
		},
	}
}

func newAgentCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:       "agent <role>",
		Short:     "Run an agent that forwards work to its generator",
		Long:      "Run the text, diagram or software agent. The agent consumes its work queue and calls the matching generator.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: agent.Roles(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(flags, args[0]+"-agent")
			if err != nil {
				return err
			}
			defer a.close()

			client, err := a.startClient(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			budgets := a.config.Budgets()
			ag, err := agent.New(agent.Role(args[0]), client,
				agent.WithCallTimeout(budgets.AgentCall),
				agent.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}

			admin := health.NewAdminRouter(a.health, a.registry)
			return serveWorker(ctx, a, a.newResponder(budgets.AgentHandler), ag.Queue(), ag, admin)
		},
	}
}

func newGeneratorCmd(flags *globalFlags) *cobra.Command {
	var instructions string

	cmd := &cobra.Command{
		Use:       "generator <role>",
		Short:     "Run a generator that calls the language model",
		Long:      "Run the text, diagram or software generator on its work queue and serve POST /response, POST /run and GET /models over HTTP.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: generator.Roles(),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(flags, args[0]+"-generator")
			if err != nil {
				return err
			}
			defer a.close()

			gen, err := generator.New(generator.Role(args[0]), a.newCompleter(),
				generator.WithModel(a.config.LLM.Model),
				generator.WithInstructions(instructions),
				generator.WithLogger(a.logger),
			)
			if err != nil {
				return err
			}

			router := generator.NewRouter(gen, a.health, a.registry)
			return serveWorker(ctx, a, a.newResponder(a.config.Budgets().GeneratorHandler), gen.Queue(), gen, router)
		},
	}
	cmd.Flags().StringVar(&instructions, "instructions", "", "Override the role's system prompt")
	return cmd
}

func newCallCmd(flags *globalFlags) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "call <routing-key> <message...>",
		Short: "Make a single RPC call and print the reply",
		Example: `  mmate-agents call orchestrator "generate a pie chart of Q1 sales"
  mmate-agents call nonexistent-worker x --timeout 1s`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(flags, "cli")
			if err != nil {
				return err
			}
			defer a.close()

			client := rpc.NewClient(a.config.Broker.URL, a.rpcOptions()...)
			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Close()

			start := time.Now()
			reply, err := client.Call(ctx, []byte(strings.Join(args[1:], " ")), args[0], timeout)
			if err != nil {
				return fmt.Errorf("call to %s failed after %v: %w", args[0], time.Since(start).Round(time.Millisecond), err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(reply))
			return nil
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "How long to wait for the reply")
	return cmd
}

func newTopologyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "topology",
		Short: "Declare the well-known work queues",
		Long:  "Declare every well-known durable work queue, with dead-letter queues when rpc.dead_letter is enabled, and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags, "cli")
			if err != nil {
				return err
			}
			defer a.close()

			return declareTopology(cmd.Context(), a, rabbitmq.AMQPDialer{Timeout: 10 * time.Second}, func(queue string) {
				fmt.Fprintln(cmd.OutOrStdout(), queue)
			})
		},
	}
}

// declareTopology declares the well-known queues over a single connection
func declareTopology(ctx context.Context, a *app, dialer rabbitmq.Dialer, declared func(queue string)) error {
	conn, err := dialer.Dial(a.config.Broker.URL)
	if err != nil {
		return &rabbitmq.ConnectionError{Op: "dial", URL: rabbitmq.SanitizeURL(a.config.Broker.URL), Err: err, Timestamp: time.Now(), Attempts: 1}
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: %v", rabbitmq.ErrChannelCreationFailed, err)
	}
	binding := rabbitmq.NewBinding(ch)
	defer binding.Close()

	for _, name := range rabbitmq.WellKnownQueues() {
		if err := ctx.Err(); err != nil {
			return err
		}
		wq := rabbitmq.WorkQueue{Name: name, DeadLetter: a.config.RPC.DeadLetter}
		if err := wq.Declare(binding); err != nil {
			return err
		}
		declared(name)
		if wq.DeadLetter {
			declared(wq.DeadLetterQueue())
		}
	}
	return nil
}
