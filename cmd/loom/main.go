// Package main provides the CLI entry point for the Loom realtime agent
// session server.
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Environment variables:
//
//   - LOOM_CONFIG: path to the configuration file (default: loom.yaml)
//   - LOOM_HOTLOAD_TOOLS: comma-separated toolsets activated at session start
//   - LOOM_CONTAINER: disable local workspace entries when truthy
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: provider credentials, usually
//     referenced from the config file via ${VAR} expansion
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
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

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "loom",
		Short:        "Loom - realtime agent session server",
		Long:         "Loom serves realtime agent sessions over a websocket control plane:\nper-user tool chests, composable prompts, and streaming model turns.",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(buildServeCmd())
	return rootCmd
}
