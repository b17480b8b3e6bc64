package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNodesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "Inspect and manage cluster nodes",
	}

	cmd.AddCommand(newNodesListCommand())
	cmd.AddCommand(newNodesDecommissionCommand())

	return cmd
}

func newNodesListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List declared nodes and their join states",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			nodes := a.topology.List()
			if jsonOutput {
				return printJSON(nodes)
			}

			fmt.Printf("%-20s %-12s %-16s %-20s %s\n", "NODE", "ROLE", "STATE", "ADDRESS", "LAST HEARTBEAT")
			for _, node := range nodes {
				heartbeat := "-"
				if !node.LastHeartbeat.IsZero() {
					heartbeat = node.LastHeartbeat.Format("2006-01-02 15:04:05")
				}
				fmt.Printf("%-20s %-12s %-16s %-20s %s\n",
					node.ID, node.Role, node.State, node.Address, heartbeat)
				if node.Message != "" {
					fmt.Printf("  %s\n", node.Message)
				}
			}
			return nil
		},
	}
}

func newNodesDecommissionCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "decommission <node-id>",
		Short: "Retire a node permanently",
		Long: `Move a node to the decommissioned state. Decommissioned is terminal:
the node cannot rejoin under the same identity.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.topology.Decommission(args[0], reason); err != nil {
				return err
			}
			a.persistTopology(ctx)
			a.audit(ctx, "node.decommissioned", args[0])

			fmt.Printf("Node %s decommissioned.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the node")

	return cmd
}
