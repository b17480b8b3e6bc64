package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var passes int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied workloads and recent sync passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			applied, err := a.store.ListApplied(ctx)
			if err != nil {
				return err
			}
			recent, err := a.store.ListPasses(ctx, passes, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]interface{}{
					"applied": applied,
					"passes":  recent,
				})
			}

			fmt.Printf("%-24s %-12s %-10s %s\n", "WORKLOAD", "GENERATION", "REPLICAS", "IMAGE")
			for _, w := range applied {
				fmt.Printf("%-24s %-12d %d/%-8d %s\n",
					w.Name, w.Generation, w.ReadyReplicas, w.Replicas, w.Image)
			}
			if len(applied) == 0 {
				fmt.Println("No workloads applied.")
			}

			fmt.Printf("\nRecent passes:\n")
			for _, p := range recent {
				fmt.Printf("  %s  %-10s %d ok, %d failed  (%dms)  plan %s\n",
					p.StartedAt.Format("2006-01-02 15:04:05"), p.Status, p.Succeeded, p.Failed, p.DurationMS, p.PlanID)
			}
			if len(recent) == 0 {
				fmt.Println("  none")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&passes, "passes", 10, "number of recent passes to show")

	return cmd
}
