package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/helmstead/helmstead/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		prune   bool
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute a sync plan without applying it",
		Long: `Compute the delta between the desired manifests and the applied state
and print the resulting action plan. The plan is not executed.`,
		Example: `  # Show what a sync would do
  helmstead plan

  # Include deletion of orphan workloads
  helmstead plan --prune

  # Write the action graph for visualization
  helmstead plan --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			revision, desired, err := a.source.Latest(ctx)
			if err != nil {
				return err
			}

			plan, err := a.differ(prune).Compute(ctx, revision, desired, a.applied.Snapshot())
			if err != nil {
				return err
			}

			if dotFile != "" {
				if err := os.WriteFile(dotFile, []byte(plan.ToDOT()), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
			}

			if jsonOutput {
				return printJSON(plan)
			}
			printPlan(plan)
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "plan deletion of orphan workloads")
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")

	return cmd
}

func printPlan(plan *engine.SyncPlan) {
	fmt.Printf("Plan %s (revision %s)\n", plan.ID, plan.Revision)
	fmt.Printf("  %d create, %d update, %d scale, %d delete\n",
		plan.Summary.Creates, plan.Summary.Updates, plan.Summary.Scales, plan.Summary.Deletes)

	if plan.Empty() {
		fmt.Println("  Nothing to do: applied state matches desired state.")
	}
	for _, action := range plan.Actions {
		switch action.Type {
		case engine.ActionScale:
			fmt.Printf("  %-7s %s (replicas %d -> %d)\n",
				action.Type, action.Workload, action.FromReplicas, action.ToReplicas)
		case engine.ActionDelete:
			fmt.Printf("  %-7s %s\n", action.Type, action.Workload)
		default:
			fmt.Printf("  %-7s %s (generation %d -> %d)\n",
				action.Type, action.Workload, action.ObservedGeneration, action.TargetGeneration)
		}
	}
	for _, orphan := range plan.Orphans {
		fmt.Printf("  orphan  %s (not in desired set; use --prune to delete)\n", orphan)
	}
}
