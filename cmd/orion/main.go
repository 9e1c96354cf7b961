// Package main provides the CLI entry point for the Orion core.
//
// Orion lets a language model operate a fleet of devices: devices connect
// over a websocket, the model proposes tool calls, and the core checks every
// call against the device's permissions before dispatching it.
//
// # Basic Usage
//
// Start the core:
//
//	orion serve --config orion.yaml
//
// Inspect and drive it over its HTTP API:
//
//	orion devices list
//	orion tools exec laptop-1 search_files --param path=/home/me --param pattern='*.pdf'
//	orion chat --device laptop-1
//
// # Environment Variables
//
//   - ORION_CONFIG: path to the configuration file (default: orion.yaml)
//   - ORION_SERVER: address of a running core (default: localhost:8080)
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "orion.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// clientFlags are shared by the commands that talk to a running core.
type clientFlags struct {
	server  string
	timeout time.Duration
}

func (f *clientFlags) client() *apiClient {
	return newAPIClient(f.server, f.timeout)
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "orion",
		Short: "Orion - language model control plane for device fleets",
		Long: `Orion connects devices over a websocket and lets a language model operate
them through a fixed tool catalog. Every tool call is checked against the
device's allowed tools, paths and applications before it is dispatched.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	cf := &clientFlags{}
	rootCmd.PersistentFlags().StringVar(&cf.server, "server", envOr("ORION_SERVER", "localhost:8080"), "Address of a running Orion core")
	rootCmd.PersistentFlags().DurationVar(&cf.timeout, "timeout", 2*time.Minute, "HTTP timeout for API calls")

	rootCmd.AddCommand(
		buildServeCmd(),
		buildDevicesCmd(cf),
		buildToolsCmd(cf),
		buildChatCmd(cf),
		buildConfigCmd(),
	)
	return rootCmd
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func defaultConfigPath() string {
	return envOr("ORION_CONFIG", defaultConfigName)
}
