package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helmstead/helmstead/pkg/installer"
)

func newAddonsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "addons",
		Short: "Manage bootstrap addons",
	}

	cmd.AddCommand(newAddonsEnsureCommand())

	return cmd
}

func newAddonsEnsureCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ensure",
		Short: "Ensure all configured addon releases are installed",
		Long: `Walk the addons declared in the configuration and install any that are
missing. Addons already present at the requested version are left
untouched, so this is safe to run repeatedly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if len(a.cfg.Addons) == 0 {
				fmt.Println("No addons configured.")
				return nil
			}

			inst := installer.NewHelmInstaller(a.logger)
			var results []*installer.Result
			for _, release := range a.cfg.Addons {
				result, err := inst.EnsureRelease(ctx, release)
				if err != nil {
					return fmt.Errorf("addon %s: %w", release.Name, err)
				}
				results = append(results, result)
				a.audit(ctx, "addon."+string(result.Outcome), release.Name)
			}

			if jsonOutput {
				return printJSON(results)
			}
			for _, r := range results {
				fmt.Printf("  %-20s %s\n", r.Release, r.Outcome)
			}
			return nil
		},
	}
}
