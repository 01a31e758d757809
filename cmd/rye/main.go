// Package main provides the CLI entry point for the rye workflow runtime.
//
// rye executes directives: declarative workflow definitions that run either
// as LLM cognition loops with tool access or as deterministic state graphs.
// Every run is a thread with a capability token, a budget reservation, a
// durable transcript and a resumable checkpoint.
//
// # Basic Usage
//
// Run a directive to completion:
//
//	rye run summarize --input topic="release notes"
//
// Run detached and check on it later:
//
//	rye run research --async
//	rye status research-1724500000
//
// Approve a suspended escalation, then resume:
//
//	rye approve research-1724500000 <request-id>
//	rye resume research-1724500000
//
// # Environment Variables
//
//   - RYE_CONFIG: path to the configuration file (default: .rye/config.yaml)
//   - ANTHROPIC_API_KEY: Anthropic API key
//   - OPENAI_API_KEY: OpenAI API key
//   - RYE_PARENT_TOKEN: serialized parent capability token, set by the
//     orchestrator when forking child processes
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
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rye",
		Short: "rye - directive workflow runtime",
		Long: `rye runs directives: bounded, budgeted, resumable agent workflows.

Threads carry capability tokens scoped to their directive's declared
permissions, spend against hierarchical budgets, and checkpoint after
every turn so suspension and crash recovery lose no work.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildResumeCmd(),
		buildStatusCmd(),
		buildListCmd(),
		buildKillCmd(),
		buildApproveCmd(),
		buildRecoverCmd(),
	)
	return rootCmd
}
