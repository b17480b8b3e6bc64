package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/config"
	"github.com/helmstead/helmstead/pkg/engine"
	"github.com/helmstead/helmstead/pkg/policy"
	"github.com/helmstead/helmstead/pkg/source"
	"github.com/helmstead/helmstead/pkg/stores"
	"github.com/helmstead/helmstead/pkg/telemetry"
)

// app bundles the wired controller components for one CLI invocation.
// The embedded memory cluster stands in for a remote cluster driver: it
// is seeded from the persisted applied state so plans and passes operate
// on the last known reality, and results are persisted back.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	bus     *telemetry.Bus
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	store    *stores.SQLiteStore
	cluster  *engine.MemoryCluster
	topology *engine.Topology
	applied  *engine.AppliedState
	coord    *engine.Coordinator
	source   *source.FileSource
	executor *engine.Executor
	gate     *policy.Engine
}

// newApp loads the configuration and wires the controller.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}

	logger, err := telemetry.NewLogger(cfg.Telemetry.Logging)
	if err != nil {
		return nil, err
	}
	bus := telemetry.NewBus(cfg.Telemetry.Events)
	metrics, err := telemetry.NewMetrics(cfg.Telemetry.Metrics)
	if err != nil {
		return nil, err
	}
	tracer, err := telemetry.NewTracer(cfg.Telemetry.Tracing, cfg.Telemetry.ServiceName, cfg.Telemetry.ServiceVersion)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.StorePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		bus:     bus,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
	}

	// Mirror bus events into the persistent event log.
	bus.Subscribe(func(ev telemetry.Event) {
		rec := &stores.EventRecord{
			Type:      ev.Type,
			Level:     ev.Level,
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
		}
		if ev.Node != "" {
			rec.Node = &ev.Node
		}
		if ev.Workload != "" {
			rec.Workload = &ev.Workload
		}
		if ev.PassID != "" {
			rec.PassID = &ev.PassID
		}
		if len(ev.Data) > 0 {
			if data, err := json.Marshal(ev.Data); err == nil {
				details := string(data)
				rec.Details = &details
			}
		}
		if err := store.AppendEvent(context.Background(), rec); err != nil {
			logger.Error().Err(err).Msg("Failed to persist event")
		}
	})

	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// wire builds the engine components on top of the persisted state.
func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	// Applied state and the embedded cluster, both seeded from the store.
	a.applied = engine.NewAppliedState()
	appliedRecords, err := a.store.ListApplied(ctx)
	if err != nil {
		return err
	}
	a.applied.Restore(appliedRecords)

	a.cluster = engine.NewMemoryCluster()
	for _, rec := range appliedRecords {
		spec := &engine.WorkloadSpec{
			Name:       rec.Name,
			Image:      rec.Image,
			Replicas:   rec.Replicas,
			Generation: rec.Generation,
		}
		if err := a.cluster.CreateWorkload(ctx, spec); err != nil {
			return err
		}
	}

	// Topology: persisted nodes first, then any newly declared ones.
	a.topology = engine.NewTopology(a.bus, a.logger)
	persisted, err := a.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	a.topology.Restore(persisted)
	for _, nc := range cfg.Nodes {
		if _, err := a.topology.Declare(nc.ID, nc.Address, nc.Role); err != nil {
			return err
		}
	}
	for _, node := range a.topology.List() {
		if node.State == engine.JoinStateReady {
			a.cluster.SetNodeHealth(node.ID, true)
		}
	}

	a.coord = engine.NewCoordinator(a.topology, a.cluster, a.store, engine.CoordinatorOptions{
		ControllerID:     cfg.ControllerID,
		CAFingerprint:    cfg.CAFingerprint,
		TokenTTL:         cfg.Join.TokenTTL,
		MaxRetries:       cfg.Join.MaxRetries,
		HandshakeTimeout: cfg.Join.HandshakeTimeout,
	}, a.bus, a.logger)

	a.source = source.NewFileSource(cfg.Source.Dir, a.store, a.bus, a.logger)

	a.gate = policy.NewEngine(policy.Options{
		AllowedRegistries: cfg.Policy.AllowedRegistries,
		Protected:         cfg.Policy.Protected,
	}, a.logger)
	if cfg.Policy.Dir != "" {
		if err := a.gate.LoadDir(cfg.Policy.Dir); err != nil {
			return err
		}
	}

	a.executor = engine.NewExecutor(a.cluster, a.applied, a.store, engine.ExecutorOptions{
		MaxParallel: cfg.Sync.MaxParallel,
		BaseBackoff: cfg.Sync.BaseBackoff,
	}, a.bus, a.metrics, a.logger)

	a.metrics.SetNodesByState(a.topology.CountByState())
	a.metrics.SetWorkloadsManaged(len(a.applied.Names()))
	return nil
}

// differ builds a diff engine with the given prune setting.
func (a *app) differ(prune bool) *engine.Differ {
	return engine.NewDiffer(engine.DiffOptions{
		Prune:         prune,
		ActionTimeout: a.cfg.Sync.ActionTimeout,
		MaxRetries:    a.cfg.Sync.MaxRetries,
	}, a.logger)
}

// persistTopology writes the current node records back to the store.
func (a *app) persistTopology(ctx context.Context) {
	for _, node := range a.topology.List() {
		if err := a.store.UpsertNode(ctx, node); err != nil {
			a.logger.Error().Err(err).Str("node_id", node.ID).Msg("Failed to persist node")
		}
	}
	a.metrics.SetNodesByState(a.topology.CountByState())
}

// audit records an operator action.
func (a *app) audit(ctx context.Context, action, targetID string) {
	entry := &stores.AuditEntry{Action: action, Actor: actor()}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		a.logger.Error().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// close flushes and releases resources.
func (a *app) close() {
	if a.bus != nil {
		a.bus.Close()
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(context.Background())
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
