package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/orion/internal/config"
	"github.com/haasonsaas/orion/internal/gateway"
	"github.com/haasonsaas/orion/internal/observability"
)

// buildServeCmd creates the "serve" command that runs the core.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		watch      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Orion core",
		Long: `Start the Orion core.

The server will:
1. Load configuration from the specified file (or orion.yaml)
2. Open the audit store and event publisher, if configured
3. Accept device connections on /ws
4. Serve the HTTP API, /healthz and /metrics

Policy, permission defaults and liveness thresholds are reloaded when the
config file changes. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  # Start with default config
  orion serve

  # Start with a custom config and debug logging
  orion serve --config /etc/orion/orion.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug, watch)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file (YAML, JSON5 or TOML)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload hot-reloadable settings when the config file changes")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug, watch bool) error {
	cfg, loaded, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}
	logCfg := cfg.LogConfig()
	if debug {
		logCfg.Level = "debug"
	}
	logger := observability.NewLogger(logCfg)
	slog.SetDefault(logger)

	logger.Info("starting Orion core",
		"version", version,
		"commit", commit,
		"config", configPath,
		"config_loaded", loaded,
		"addr", cfg.Server.Addr(),
		"llm_provider", cfg.LLM.Provider,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server, err := gateway.New(ctx, cfg, gateway.WithLogger(logger), gateway.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to initialize core: %w", err)
	}

	if watch && loaded {
		go func() {
			if err := config.Watch(ctx, configPath, logger, server.ApplyConfig); err != nil {
				logger.Warn("config watch stopped", "error", err)
			}
		}()
	}

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("Orion core stopped")
	return nil
}

// loadServeConfig loads path, falling back to defaults when the default
// config file does not exist.
func loadServeConfig(path string) (*config.Config, bool, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == defaultConfigName {
		return config.Default(), false, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, true, nil
}
