package commands

import (
	"context"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/helmstead/helmstead/pkg/engine"
	"github.com/helmstead/helmstead/pkg/policy"
)

func newWatchCommand() *cobra.Command {
	var (
		selfHeal bool
		noHeal   bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the drift watcher loop",
		Long: `Run the reconciliation loop: poll the cluster for drift on the
configured interval, react to manifest changes, and (when self-heal is
enabled) apply corrective plans. Runs until interrupted.`,
		Example: `  # Watch with the configured self-heal setting
  helmstead watch

  # Detect and report drift without correcting it
  helmstead watch --no-self-heal`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			heal := a.cfg.Sync.SelfHeal
			if selfHeal {
				heal = true
			}
			if noHeal {
				heal = false
			}

			// Corrective plans never prune, and are gated by the
			// self-heal scope policy.
			driftGate := policy.NewEngine(policy.Options{
				AllowedRegistries: a.cfg.Policy.AllowedRegistries,
				Protected:         a.cfg.Policy.Protected,
				SelfHeal:          true,
			}, a.logger)

			watcher := engine.NewDriftWatcher(
				a.source, a.cluster, a.differ(false), a.executor, a.topology, driftGate,
				engine.WatcherOptions{
					PollInterval: a.cfg.Source.PollInterval,
					SelfHeal:     heal,
				}, a.bus, a.metrics, a.logger)

			if err := a.source.Watch(ctx, watcher.Notify); err != nil {
				return err
			}

			if addr := a.cfg.Telemetry.Metrics.ListenAddr; addr != "" && a.cfg.Telemetry.Metrics.Enabled {
				mux := http.NewServeMux()
				mux.Handle("/metrics", a.metrics.Handler())
				server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						a.logger.Error().Err(err).Msg("Metrics server failed")
					}
				}()
				defer func() { _ = server.Close() }()
			}

			// Persist final node states on the way out; the run context
			// is already cancelled by then.
			defer a.persistTopology(context.Background())

			err = watcher.Run(ctx)
			if err == ctx.Err() {
				// Normal shutdown on signal.
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&selfHeal, "self-heal", false, "force self-heal on")
	cmd.Flags().BoolVar(&noHeal, "no-self-heal", false, "force self-heal off")
	cmd.MarkFlagsMutuallyExclusive("self-heal", "no-self-heal")

	return cmd
}
