package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/telemetry"
)

// DesiredSource supplies the current desired workload set. The file source
// implements it.
type DesiredSource interface {
	// Latest returns the current revision and the desired workload specs.
	Latest(ctx context.Context) (revision string, workloads []WorkloadSpec, err error)
}

// PolicyGate vets a plan before it is applied. The OPA engine implements
// it; a nil gate admits everything.
type PolicyGate interface {
	EvaluatePlan(ctx context.Context, plan *SyncPlan) error
}

// WatcherOptions configures the drift watcher.
type WatcherOptions struct {
	// PollInterval is the drift polling cadence. Defaults to 30 seconds.
	PollInterval time.Duration

	// SelfHeal controls whether detected drift triggers a corrective sync
	// pass. When disabled, drift is only reported.
	SelfHeal bool
}

func (o *WatcherOptions) applyDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30 * time.Second
	}
}

// DriftWatcher periodically compares observed cluster state against the
// desired set and, when self-heal is enabled, triggers corrective sync
// passes. One watcher runs per controller.
type DriftWatcher struct {
	source   DesiredSource
	cluster  ClusterAPI
	differ   *Differ
	executor *Executor
	topology *Topology
	gate     PolicyGate
	opts     WatcherOptions

	selfHeal atomic.Bool

	mu    sync.Mutex
	state WatcherState

	// updates delivers external change notifications (source writes, node
	// state changes) that trigger an early poll.
	updates chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool

	bus     *telemetry.Bus
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewDriftWatcher creates a drift watcher. gate may be nil.
func NewDriftWatcher(source DesiredSource, cluster ClusterAPI, differ *Differ, executor *Executor, topology *Topology, gate PolicyGate, opts WatcherOptions, bus *telemetry.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *DriftWatcher {
	opts.applyDefaults()
	w := &DriftWatcher{
		source:   source,
		cluster:  cluster,
		differ:   differ,
		executor: executor,
		topology: topology,
		gate:     gate,
		opts:     opts,
		state:    WatcherIdle,
		updates:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With().Str("component", "drift-watcher").Logger(),
	}
	w.selfHeal.Store(opts.SelfHeal)
	return w
}

// State returns the watcher's current state.
func (w *DriftWatcher) State() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *DriftWatcher) setState(s WatcherState) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// PauseSelfHeal stops corrective passes; drift is still detected and
// reported.
func (w *DriftWatcher) PauseSelfHeal() {
	w.selfHeal.Store(false)
	w.logger.Info().Msg("Self-heal paused")
}

// ResumeSelfHeal re-enables corrective passes.
func (w *DriftWatcher) ResumeSelfHeal() {
	w.selfHeal.Store(true)
	w.logger.Info().Msg("Self-heal resumed")
}

// SelfHealEnabled reports whether corrective passes are enabled.
func (w *DriftWatcher) SelfHealEnabled() bool {
	return w.selfHeal.Load()
}

// Notify requests an early poll, coalescing with any pending request.
func (w *DriftWatcher) Notify() {
	select {
	case w.updates <- struct{}{}:
	default:
	}
}

// Run drives the polling loop until Stop is called or the context is
// cancelled. An in-flight corrective pass finishes its current attempt
// before the loop exits.
func (w *DriftWatcher) Run(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return NewConflictError("drift watcher already running", nil)
	}
	defer close(w.done)

	w.logger.Info().
		Dur("poll_interval", w.opts.PollInterval).
		Bool("self_heal", w.selfHeal.Load()).
		Msg("Drift watcher started")

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setState(WatcherIdle)
			return ctx.Err()
		case <-w.stop:
			w.setState(WatcherIdle)
			return nil
		case <-ticker.C:
			w.poll(ctx)
		case <-w.updates:
			w.poll(ctx)
		}
	}
}

// Stop halts the watcher before its next tick and waits for an in-flight
// poll to drain.
func (w *DriftWatcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	if w.started.Load() {
		<-w.done
	}
}

// Poll runs one drift check immediately. It is exposed for one-shot CLI
// use and tests; Run calls it on every tick.
func (w *DriftWatcher) Poll(ctx context.Context) (*SyncPlan, *ApplyReport, error) {
	return w.check(ctx)
}

func (w *DriftWatcher) poll(ctx context.Context) {
	if _, _, err := w.check(ctx); err != nil {
		w.logger.Error().Err(err).Msg("Drift check failed")
	}
}

// check observes the cluster, refreshes the applied record to match
// reality, diffs against the desired set, and optionally self-heals.
func (w *DriftWatcher) check(ctx context.Context) (*SyncPlan, *ApplyReport, error) {
	w.setState(WatcherPolling)
	defer w.setState(WatcherIdleWait)

	if w.topology != nil {
		if err := w.topology.ObserveHealth(ctx, w.cluster); err != nil {
			w.logger.Warn().Err(err).Msg("Node health observation failed")
		}
	}

	observed, err := w.observe(ctx)
	if err != nil {
		return nil, nil, err
	}

	revision, desired, err := w.source.Latest(ctx)
	if err != nil {
		return nil, nil, NewTransientError("loading desired state", err)
	}

	plan, err := w.differ.Compute(ctx, revision, desired, observed)
	if err != nil {
		return nil, nil, err
	}

	for _, orphan := range plan.Orphans {
		w.bus.Publish(telemetry.Event{
			Type:     telemetry.EventTypeOrphanReported,
			Workload: orphan,
			Level:    telemetry.EventLevelWarning,
			Message:  "observed workload not in desired set",
		})
	}
	w.metrics.SetOrphans(len(plan.Orphans))

	if plan.Empty() {
		return plan, nil, nil
	}

	w.metrics.RecordDriftDetected()
	w.logger.Warn().
		Str("revision", revision).
		Int("creates", plan.Summary.Creates).
		Int("updates", plan.Summary.Updates).
		Int("scales", plan.Summary.Scales).
		Int("deletes", plan.Summary.Deletes).
		Msg("Drift detected")
	w.bus.Publish(telemetry.Event{
		Type:   telemetry.EventTypeDriftDetected,
		PlanID: plan.ID,
		Level:  telemetry.EventLevelWarning,
		Data: map[string]interface{}{
			"revision": revision,
			"actions":  len(plan.Actions),
		},
	})

	if !w.selfHeal.Load() {
		return plan, nil, nil
	}

	if w.gate != nil {
		if err := w.gate.EvaluatePlan(ctx, plan); err != nil {
			w.logger.Warn().Err(err).Str("plan_id", plan.ID).Msg("Corrective plan denied by policy")
			return plan, nil, err
		}
	}

	w.setState(WatcherTriggeringSync)
	report, err := w.executor.Apply(ctx, plan)
	if err != nil {
		return plan, nil, err
	}
	return plan, report, nil
}

// observe builds the observed-truth map from the cluster and refreshes
// the applied record to match: manually changed replicas are reflected,
// manually deleted workloads drop out, and unknown workloads appear at
// generation zero so the differ re-establishes them.
func (w *DriftWatcher) observe(ctx context.Context) (map[string]AppliedWorkload, error) {
	listed, err := w.cluster.ListWorkloads(ctx)
	if err != nil {
		return nil, NewTransientError("listing cluster workloads", err)
	}

	snapshot := w.executor.Applied().Snapshot()
	observed := make(map[string]AppliedWorkload, len(listed))
	for _, cw := range listed {
		rec, known := snapshot[cw.Name]
		if !known {
			// Present in the cluster but never applied by us.
			rec = AppliedWorkload{Name: cw.Name, Image: cw.Image}
		}
		if cw.Image != rec.Image {
			// Image changed out of band; force a reconciling update.
			rec.Image = cw.Image
			rec.Generation = 0
		}
		rec.Replicas = cw.Replicas
		rec.ReadyReplicas = cw.ReadyReplicas
		rec.UpdatedAt = time.Now()
		observed[cw.Name] = rec
	}

	applied := w.executor.Applied()
	refreshed := make([]AppliedWorkload, 0, len(observed))
	for _, rec := range observed {
		refreshed = append(refreshed, rec)
	}
	applied.Restore(refreshed)
	for name := range snapshot {
		if _, ok := observed[name]; !ok {
			lock := applied.workloadLock(name)
			lock.Lock()
			applied.remove(name)
			lock.Unlock()
		}
	}
	return observed, nil
}
