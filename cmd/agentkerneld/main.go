// Package main provides the CLI entry point for agentkerneld, the control
// plane binary hosting the Agent Manager, Model Registry, and Kernel
// Manager.
//
// # Basic Usage
//
// Start the control plane loop:
//
//	agentkerneld serve --config agentkernel.yaml
//
// Validate a configuration file without starting anything:
//
//	agentkerneld validate-config --config agentkernel.yaml
//
// List the models a configuration seeds into the Model Registry:
//
//	agentkerneld list-models --config agentkernel.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentkerneld",
		Short: "agentkerneld - multi-tenant AI agent control plane",
		Long: `agentkerneld hosts the Agent Manager, Model Registry, and Kernel
Manager behind a single configuration file. It has no HTTP layer of its
own; the serve command runs the control plane's background schedulers
(agent cleanup) until interrupted, while validate-config and
list-models let operators inspect a configuration file directly.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildValidateConfigCmd(),
		buildListModelsCmd(),
	)

	return rootCmd
}
