package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "helmstead",
		Short: "Helmstead - cluster bootstrap and GitOps reconciliation controller",
		Long: `Helmstead bootstraps cluster nodes and keeps workloads converged on the
desired state declared in YAML manifests.

Features:
  - Token-based node join with CA pinning
  - Generation-tracked desired-state manifests
  - Deterministic diff plans with dependency ordering
  - Bounded-concurrency sync passes with retries
  - Drift detection and optional self-healing
  - OPA policy gating for destructive changes`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "helmstead.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newJoinCommand())
	rootCmd.AddCommand(newNodesCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newAddonsCommand())

	return rootCmd
}
