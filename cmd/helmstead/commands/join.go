package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/helmstead/helmstead/pkg/telemetry"
	"github.com/helmstead/helmstead/pkg/transports/ssh"
)

func newJoinCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Manage node joins",
		Long: `Issue join tokens, complete join handshakes, and bootstrap freshly
provisioned hosts over SSH.`,
	}

	cmd.AddCommand(newJoinRequestCommand())
	cmd.AddCommand(newJoinCompleteCommand())
	cmd.AddCommand(newJoinBootstrapCommand())

	return cmd
}

func newJoinRequestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "request <node-id>",
		Short: "Issue a single-use join token for a declared node",
		Args:  cobra.ExactArgs(1),
		Example: `  # Issue a token for worker-1 and hand it to the node out of band
  helmstead join request worker-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			grant, err := a.coord.RequestJoin(ctx, args[0])
			if err != nil {
				return err
			}
			a.persistTopology(ctx)
			a.audit(ctx, "join.requested", args[0])

			if jsonOutput {
				return printJSON(grant)
			}
			fmt.Printf("Token for %s (expires %s):\n%s\n",
				grant.NodeID, grant.ExpiresAt.Format("2006-01-02 15:04:05"), grant.Token)
			if grant.CAFingerprint != "" {
				fmt.Printf("CA fingerprint to pin: %s\n", grant.CAFingerprint)
			}
			return nil
		},
	}
}

func newJoinCompleteCommand() *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "complete <node-id>",
		Short: "Complete a join handshake with a previously issued token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			spanCtx, span := a.tracer.StartJoinSpan(ctx, args[0])
			joinErr := a.coord.CompleteJoin(spanCtx, args[0], token)
			telemetry.RecordError(span, joinErr)
			span.End()
			a.persistTopology(ctx)
			if joinErr != nil {
				return joinErr
			}
			a.audit(ctx, "join.completed", args[0])

			fmt.Printf("Node %s joined.\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "join token issued by 'join request'")
	_ = cmd.MarkFlagRequired("token")

	return cmd
}

func newJoinBootstrapCommand() *cobra.Command {
	var (
		user     string
		keyPath  string
		password string
	)

	cmd := &cobra.Command{
		Use:   "bootstrap <node-id>",
		Short: "Bootstrap a declared node over SSH and join it",
		Long: `Connect to the node's address over SSH, install the agent with a
freshly issued token, and complete the join handshake in one step.`,
		Args: cobra.ExactArgs(1),
		Example: `  # Bootstrap worker-1 with the default SSH key
  helmstead join bootstrap worker-1 --user ops

  # Bootstrap with an explicit key
  helmstead join bootstrap worker-1 --user ops --key ~/.ssh/id_ed25519`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			node, err := a.topology.Get(args[0])
			if err != nil {
				return err
			}

			sshCfg := ssh.DefaultConfig(node.Address, user)
			if keyPath != "" {
				sshCfg.PrivateKeyPath = keyPath
			}
			if password != "" {
				sshCfg.AuthMethod = ssh.AuthMethodPassword
				sshCfg.Password = password
			}
			transport, err := ssh.NewClient(sshCfg, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = transport.Disconnect() }()

			bootErr := a.coord.Bootstrap(ctx, node.ID, transport)
			a.persistTopology(ctx)
			if bootErr != nil {
				return bootErr
			}
			a.audit(ctx, "join.bootstrapped", node.ID)

			fmt.Printf("Node %s bootstrapped and joined.\n", node.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "root", "SSH user")
	cmd.Flags().StringVar(&keyPath, "key", "", "SSH private key path")
	cmd.Flags().StringVar(&password, "password", "", "SSH password (key auth is preferred)")

	return cmd
}
