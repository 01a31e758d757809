// commands.go contains the cobra command definitions and flag wiring.
// Handler logic lives in handlers.go.
package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildRunCmd() *cobra.Command {
	var opts runOptions

	cmd := &cobra.Command{
		Use:   "run <directive>",
		Short: "Execute a directive as a new thread",
		Example: `  # Run synchronously and print outputs
  rye run summarize --input topic="release notes"

  # Structured inputs
  rye run triage --inputs-json '{"issues": [101, 102]}'

  # Detach and poll later
  rye run research --async`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.directive = args[0]
			return runRun(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.inputs, "input", "i", nil, "Input as key=value (repeatable)")
	cmd.Flags().StringVar(&opts.inputsJSON, "inputs-json", "", "Inputs as a JSON object (merged over --input)")
	cmd.Flags().StringVar(&opts.model, "model", "", "Override the directive's model selection")
	cmd.Flags().BoolVar(&opts.async, "async", false, "Return the thread id immediately and run detached")
	cmd.Flags().StringVar(&opts.threadID, "thread-id", "", "Preassigned thread id (used by forked children)")
	cmd.Flags().StringVar(&opts.parentID, "parent", "", "Parent thread id (used by forked children)")
	cmd.Flags().IntVar(&opts.depth, "depth", 0, "Nesting depth (used by forked children)")
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

func buildResumeCmd() *cobra.Command {
	var configPath string
	var resumedBy string

	cmd := &cobra.Command{
		Use:   "resume <thread-id>",
		Short: "Resume a suspended thread from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd.Context(), configPath, args[0], resumedBy)
		},
	}
	cmd.Flags().StringVar(&resumedBy, "by", "user", "Who is resuming the thread")
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

func buildStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <thread-id>",
		Short: "Show a thread's registry record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(configPath, args[0])
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

func buildListCmd() *cobra.Command {
	var configPath string
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List threads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(configPath, activeOnly)
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only running, paused and suspended threads")
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

func buildKillCmd() *cobra.Command {
	var configPath string
	var reason string
	var grace time.Duration

	cmd := &cobra.Command{
		Use:   "kill <thread-id>",
		Short: "Cancel a thread",
		Long: `Cancel a thread. In-process threads have their context cancelled;
threads owned by another process receive SIGTERM, then SIGKILL after
the grace period.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKill(configPath, args[0], reason, grace)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator request", "Recorded cancellation reason")
	cmd.Flags().DurationVar(&grace, "grace", 10*time.Second, "Grace period before SIGKILL")
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

func buildApproveCmd() *cobra.Command {
	var configPath string
	var deny bool
	var message string

	cmd := &cobra.Command{
		Use:   "approve <thread-id> [request-id]",
		Short: "Answer a pending approval request",
		Long: `Answer a pending approval request for a suspended thread. With a
single pending request the request-id may be omitted. Resume the
thread afterwards with "rye resume".`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			requestID := ""
			if len(args) > 1 {
				requestID = args[1]
			}
			return runApprove(configPath, args[0], requestID, !deny, message)
		},
	}
	cmd.Flags().BoolVar(&deny, "deny", false, "Deny instead of approve")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message recorded with the response")
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}

func buildRecoverCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Reclassify threads orphaned by crashed processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	return cmd
}
