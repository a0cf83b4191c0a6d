// Package commands defines all Cobra CLI commands for the aigw binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/d4r1us/aigw-go/internal/audit"
	"github.com/d4r1us/aigw-go/internal/config"
	"github.com/d4r1us/aigw-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "aigw",
		Short: "aigw — resilient AI gateway between OpenAI-style clients and a Cohere-style upstream",
		Long: `aigw is an AI gateway. It accepts OpenAI-shaped requests (chat
completions, embeddings, rerank, vision) and fronts a Cohere-style
upstream with a TTL+LRU response cache, retries with exponential backoff,
a circuit breaker, per-session conversation memory, and a RAG document
store for retrieval-augmented answers.

Configuration is environment-first; a YAML config file (~/.aigw/config.yaml
or --config) can supply defaults that env vars always override.
See 'aigw --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Layer a local .env file into the environment first; existing
			// env vars win, same as the YAML layer below.
			_ = godotenv.Load()

			log := logging.New()

			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.aigw/config.yaml)")

	root.AddCommand(
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
