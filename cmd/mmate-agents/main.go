package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalFlags are the persistent flags shared by every subcommand
type globalFlags struct {
	configPath string
	url        string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "mmate-agents",
		Short: "Run the mmate agent pipeline services",
		Long: `mmate-agents runs one service of the agent pipeline per invocation.
The gateway accepts questions over HTTP and calls the orchestrator, which
classifies each question and dispatches it to an agent; agents delegate to
generators, which call the language model. All hops are RPC calls over
RabbitMQ work queues.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to a YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&flags.url, "url", "u", "", "RabbitMQ connection URL (overrides config and AMQP_URL)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn or error")

	rootCmd.AddCommand(
		newGatewayCmd(flags),
		newOrchestratorCmd(flags),
		newAgentCmd(flags),
		newGeneratorCmd(flags),
		newCallCmd(flags),
		newTopologyCmd(flags),
	)
	return rootCmd
}
