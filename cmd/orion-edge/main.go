// orion-edge is the reference device agent. It connects to an Orion core,
// registers the device and runs dispatched tool calls locally.
//
// # Basic Usage
//
//	orion-edge init --core-url ws://core:8080/ws
//	orion-edge run
//	orion-edge info
//
// The config file defaults to ~/.orion-edge/config.yaml and can be set with
// --config or ORION_EDGE_CONFIG.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/orion/internal/edgeclient"
	"github.com/haasonsaas/orion/internal/observability"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	var (
		configPath string
		flagConfig Config
	)

	rootCmd := &cobra.Command{
		Use:          "orion-edge",
		Short:        "Orion reference device agent",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Path to the edge config file")
	flags.StringVar(&flagConfig.CoreURL, "core-url", "", "Core websocket URL (ws://host:port/ws)")
	flags.StringVar(&flagConfig.DeviceID, "device-id", "", "Device id (defaults to the hostname)")
	flags.StringVar(&flagConfig.Hostname, "hostname", "", "Hostname reported at registration")
	flags.DurationVar(&flagConfig.HeartbeatInterval, "heartbeat-interval", 0, "Heartbeat interval")
	flags.StringVar(&flagConfig.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		buildRunCmd(&flagConfig, &configPath),
		buildInitCmd(&flagConfig, &configPath),
		buildInfoCmd(),
	)
	return rootCmd
}

func buildRunCmd(flagConfig *Config, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the core and serve tool calls",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, *configPath, *flagConfig)
			if err != nil {
				return err
			}
			return runAgent(cmd.Context(), cfg)
		},
	}
}

func buildInitCmd(flagConfig *Config, configPath *string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write an edge config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := resolveConfigPath(*configPath)
			if !force {
				if _, err := os.Stat(path); err == nil {
					return fmt.Errorf("config already exists: %s", path)
				}
			}
			cfg := applyFlagOverrides(cmd, DefaultConfig(), *flagConfig)
			if err := writeConfig(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote config to %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing config file")
	return cmd
}

func buildInfoCmd() *cobra.Command {
	var hardware bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print what this device would report to the core",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			info, err := edgeclient.NewSystemCollector().DeviceInfo(ctx, hardware)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		},
	}
	cmd.Flags().BoolVar(&hardware, "hardware", true, "Include hardware details")
	return cmd
}

// resolveConfig layers defaults, the config file and changed flags.
func resolveConfig(cmd *cobra.Command, configPath string, flagConfig Config) (Config, error) {
	cfg := DefaultConfig()
	path, explicit := resolveConfigPath(configPath)
	fileCfg, err := loadConfig(path)
	switch {
	case err == nil:
		cfg = mergeConfig(cfg, fileCfg)
	case errors.Is(err, errConfigNotFound) && !explicit:
	default:
		return Config{}, err
	}
	return normalizeConfig(applyFlagOverrides(cmd, cfg, flagConfig)), nil
}

func applyFlagOverrides(cmd *cobra.Command, base Config, flags Config) Config {
	if flagChanged(cmd, "core-url") {
		base.CoreURL = flags.CoreURL
	}
	if flagChanged(cmd, "device-id") {
		base.DeviceID = flags.DeviceID
	}
	if flagChanged(cmd, "hostname") {
		base.Hostname = flags.Hostname
	}
	if flagChanged(cmd, "heartbeat-interval") {
		base.HeartbeatInterval = flags.HeartbeatInterval
	}
	if flagChanged(cmd, "log-level") {
		base.LogLevel = flags.LogLevel
	}
	return base
}

func flagChanged(cmd *cobra.Command, name string) bool {
	if f := cmd.Flags().Lookup(name); f != nil {
		return f.Changed
	}
	if f := cmd.InheritedFlags().Lookup(name); f != nil {
		return f.Changed
	}
	return false
}

func runAgent(ctx context.Context, cfg Config) error {
	logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: "text"})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	system := edgeclient.NewSystemCollector()
	if cfg.DiskPath != "" {
		system.DiskPath = cfg.DiskPath
	}
	clientCfg := cfg.clientConfig()
	infoCtx, infoCancel := context.WithTimeout(ctx, 5*time.Second)
	if info, err := system.DeviceInfo(infoCtx, false); err == nil {
		if v, ok := info["platform_version"].(string); ok {
			clientCfg.OSVersion = v
		}
	}
	infoCancel()

	executor := edgeclient.NewLocalExecutor(system)
	client, err := edgeclient.New(clientCfg, executor, logger,
		edgeclient.WithMetrics(system),
		edgeclient.WithCapabilities(map[string]any{"tools": executor.Tools(), "agent_version": version}),
	)
	if err != nil {
		return err
	}

	logger.Info("starting orion-edge",
		"version", version,
		"device_id", cfg.DeviceID,
		"core_url", cfg.CoreURL,
	)
	err = client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("orion-edge stopped")
		return nil
	}
	return err
}
