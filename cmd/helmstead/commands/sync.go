package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helmstead/helmstead/pkg/engine"
	"github.com/helmstead/helmstead/pkg/telemetry"
)

func newSyncCommand() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Compute and apply a sync plan",
		Long: `Compute the delta between the desired manifests and the applied state,
gate it through policy, and apply it. Failed actions degrade the pass
rather than aborting it; dependent actions of a failed action are
skipped.`,
		Example: `  # Converge the cluster on the manifests
  helmstead sync

  # Also delete orphan workloads
  helmstead sync --prune`,
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

			diffCtx, diffSpan := a.tracer.StartDiffSpan(ctx, revision)
			plan, err := a.differ(prune).Compute(diffCtx, revision, desired, a.applied.Snapshot())
			diffSpan.End()
			if err != nil {
				return err
			}
			if plan.Empty() {
				fmt.Println("Nothing to do: applied state matches desired state.")
				return nil
			}

			if err := a.gate.EvaluatePlan(ctx, plan); err != nil {
				return err
			}

			spanCtx, span := a.tracer.StartPassSpan(ctx, plan.ID)
			report, err := a.executor.Apply(spanCtx, plan)
			if err != nil {
				telemetry.RecordError(span, err)
				span.End()
				return err
			}
			telemetry.RecordSuccess(span)
			span.End()

			a.audit(ctx, "sync.applied", plan.ID)

			if jsonOutput {
				return printJSON(report)
			}
			printReport(report)
			if report.Status == engine.PassStatusFailed {
				return fmt.Errorf("sync pass failed: zero actions succeeded")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "delete orphan workloads")

	return cmd
}

func printReport(report *engine.ApplyReport) {
	fmt.Printf("Pass %s: %s (%d succeeded, %d failed, %s)\n",
		report.PassID, report.Status, report.Succeeded(), len(report.Failures()), report.Duration.Round(1e6))
	for _, res := range report.Results {
		line := fmt.Sprintf("  %-9s %-7s %s", res.Status, res.Type, res.Workload)
		if res.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", res.Attempts)
		}
		if res.Error != nil {
			line += fmt.Sprintf(" - %s", res.Error.Message)
		}
		fmt.Println(line)
	}
	for _, orphan := range report.Orphans {
		fmt.Printf("  orphan    %s (not deleted)\n", orphan)
	}
}
