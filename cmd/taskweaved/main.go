// Package main provides the CLI entry point for the taskweave daemon.
//
// Taskweave buffers conversational messages per session and distills them
// into an ordered task list with an LLM-backed agent.
//
// # Basic Usage
//
// Start the daemon:
//
//	taskweaved serve --config taskweave.yaml
//
// Apply the database schema:
//
//	taskweaved migrate --config taskweave.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskweave/taskweave/internal/config"
	"github.com/taskweave/taskweave/internal/observability"
	"github.com/taskweave/taskweave/internal/runtime"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd creates the command tree. Separated from main for testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "taskweaved",
		Short:        "Taskweave - session buffering and task distillation daemon",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the taskweave daemon",
		Long: `Start the daemon with the message consumers and the HTTP API.

The daemon will:
1. Load configuration from the specified file
2. Connect to Postgres, Redis, S3, and the message broker
3. Declare the broker topology and start the consumers
4. Serve the flush endpoint, health check, and metrics over HTTP

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  taskweaved serve

  # Start with custom config
  taskweaved serve --config /etc/taskweave/production.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			level := cfg.Logging.Level
			if debug {
				level = "debug"
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  level,
				Format: cfg.Logging.Format,
			})

			r, err := runtime.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			return r.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "taskweave.yaml",
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := runtime.Migrate(cmd.Context(), cfg); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "taskweave.yaml",
		"Path to YAML configuration file")
	return cmd
}
