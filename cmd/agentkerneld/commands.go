package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nexuscore/agentkernel/internal/agentmanager"
	"github.com/nexuscore/agentkernel/internal/config"
)

const defaultConfigPath = "agentkernel.yaml"

// buildServeCmd creates the "serve" command that starts the control
// plane's background schedulers and blocks until interrupted.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agentkerneld control plane",
		Long: `Load configuration, construct the Model Registry, Kernel Manager, and
Agent Manager, start the agent cleanup scheduler when a cleanup schedule is
configured, and block until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	if debug {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	logger := slog.Default()

	slog.Info("starting agentkerneld", "version", version, "commit", commit, "config", configPath, "debug", debug)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	plane, err := buildControlPlane(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build control plane: %w", err)
	}

	var scheduler *agentmanager.CleanupScheduler
	if cfg.AgentManager.CleanupSchedule != "" {
		scheduler, err = agentmanager.NewCleanupScheduler(
			plane.agents,
			cfg.AgentManager.CleanupSchedule,
			cfg.AgentManager.CleanupKeepCount,
			logger,
		)
		if err != nil {
			return fmt.Errorf("failed to build cleanup scheduler: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if scheduler != nil {
		scheduler.Start(ctx)
		defer scheduler.Stop()
		slog.Info("cleanup scheduler started", "schedule", cfg.AgentManager.CleanupSchedule, "keepCount", cfg.AgentManager.CleanupKeepCount)
	}

	slog.Info("agentkerneld started",
		"maxAgents", cfg.AgentManager.MaxAgents,
		"kernelBackend", cfg.Kernel.Backend,
		"models", len(cfg.Models),
	)

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping agentkerneld")
	return nil
}

// buildValidateConfigCmd creates the "validate-config" command that loads
// and validates a configuration file without starting anything.
func buildValidateConfigCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			raw, err := os.ReadFile(configPath)
			if err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			cfg, err := config.ParseYAML(raw)
			if err != nil {
				fmt.Fprintln(out, "Configuration is invalid:")
				fmt.Fprintf(out, "  %v\n", err)
				return err
			}
			fmt.Fprintf(out, "Configuration is valid: %d model(s), kernel backend %q, max agents %d\n",
				len(cfg.Models), cfg.Kernel.Backend, cfg.AgentManager.MaxAgents)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildListModelsCmd creates the "list-models" command that prints the
// models a configuration file would seed into the Model Registry.
func buildListModelsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list-models",
		Short: "List the models a configuration file seeds",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(cfg.Models) == 0 {
				fmt.Fprintln(out, "No models configured.")
				return nil
			}

			seeds := make([]config.ModelSeed, len(cfg.Models))
			copy(seeds, cfg.Models)
			sort.Slice(seeds, func(i, j int) bool { return seeds[i].ID < seeds[j].ID })

			fmt.Fprintln(out, "Models:")
			for _, seed := range seeds {
				marker := ""
				if seed.ID == cfg.AgentManager.DefaultModelID {
					marker = " (default)"
				}
				fmt.Fprintf(out, "  - %s: %s @ %s%s\n", seed.ID, seed.Model, seed.BaseURL, marker)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
