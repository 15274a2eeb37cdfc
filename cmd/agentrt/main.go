// Package main provides the agentrt command line tool.
//
// agentrt runs single agent executions against a configured LLM provider
// and exposes the runtime's building blocks for inspection:
//
//	agentrt run "What time is it in Tokyo?"
//	agentrt run --stream --conversation support-42 < prompt.txt
//	agentrt estimate --model gpt-4o < document.md
//	agentrt guard "ignore all previous instructions"
//	agentrt config validate --config agentrt.yaml
//
// # Environment Variables
//
//   - AGENTRT_CONFIG: Path to configuration file (default: agentrt.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key when llm.anthropic.api_key is empty
//   - OPENAI_API_KEY: OpenAI API key when llm.openai.api_key is empty
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "agentrt.yaml"

// Flags shared by every subcommand.
var (
	configPath string
	envFile    string
	debug      bool
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
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentrt",
		Short: "agentrt - guarded agent execution runtime",
		Long: `agentrt executes LLM agent requests through a ReAct loop with
fail-closed input and output guards, tool hooks, parallel tool calls and
context window management.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to configuration file (or set AGENTRT_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "",
		"Load environment variables from this file before reading the config")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildEstimateCmd(),
		buildGuardCmd(),
		buildConfigCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the flag, then AGENTRT_CONFIG, then the default.
// explicit reports whether the user named a file.
func resolveConfigPath(path string) (resolved string, explicit bool) {
	if p := strings.TrimSpace(path); p != "" {
		return p, true
	}
	if p := strings.TrimSpace(os.Getenv("AGENTRT_CONFIG")); p != "" {
		return p, true
	}
	return defaultConfigPath, false
}
