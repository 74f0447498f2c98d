// Package main is the CLI entry point for the Loom chat server.
//
// Loom serves multi-tenant AI agent conversations over HTTP: streaming
// turns with tool execution, editable history, and an admin-managed
// agent directory.
//
// Start the server:
//
//	loom serve --config loom.yaml
//
// Configuration can also be pointed at via the LOOM_CONFIG environment
// variable; provider API keys are read from ANTHROPIC_API_KEY and
// OPENAI_API_KEY when the config file does not set them.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
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

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Loom - multi-tenant AI agent chat server",
		Long: `Loom serves AI agent conversations over HTTP with live streaming,
tool execution, editable history, and an admin-managed agent directory.

Supported LLM providers: Anthropic (Claude), OpenAI (GPT)`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildTokenCmd(),
		buildConfigCmd(),
	)
	return rootCmd
}
