package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DiffOptions tune how the diff engine turns a delta into a plan.
type DiffOptions struct {
	// Prune enables Delete actions for observed workloads absent from the
	// desired set. When disabled such workloads are reported as orphans.
	Prune bool

	// ActionTimeout bounds a single execution attempt per action.
	ActionTimeout time.Duration

	// MaxRetries bounds transient-failure retries per action.
	MaxRetries int
}

// Differ computes the delta between desired and observed state and turns
// it into an ordered, immutable SyncPlan.
type Differ struct {
	opts   DiffOptions
	logger zerolog.Logger
}

// NewDiffer creates a diff engine.
func NewDiffer(opts DiffOptions, logger zerolog.Logger) *Differ {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 5 * time.Minute
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &Differ{
		opts:   opts,
		logger: logger.With().Str("component", "differ").Logger(),
	}
}

// Compute compares the desired workload set against observed state and
// produces the plan that eliminates the delta. Creates and updates are
// ordered by the declared dependency graph; deletes always come last; ties
// break by workload name so plans are deterministic.
func (d *Differ) Compute(ctx context.Context, revision string, desired []WorkloadSpec, observed map[string]AppliedWorkload) (*SyncPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	desiredByName := make(map[string]*WorkloadSpec, len(desired))
	for i := range desired {
		spec := &desired[i]
		if _, dup := desiredByName[spec.Name]; dup {
			return nil, NewValidationError("duplicate workload in desired set", nil).
				WithCode(ErrCodeValidation).WithWorkload(spec.Name)
		}
		desiredByName[spec.Name] = spec
	}

	// Validate dependency references before planning anything.
	for i := range desired {
		for _, dep := range desired[i].DependsOn {
			if _, ok := desiredByName[dep]; !ok {
				return nil, NewValidationError(
					fmt.Sprintf("depends on workload %q not in desired set", dep), nil).
					WithCode(ErrCodeValidation).WithWorkload(desired[i].Name)
			}
		}
	}

	plan := &SyncPlan{
		ID:        uuid.New().String(),
		Revision:  revision,
		CreatedAt: time.Now(),
	}

	// Stable iteration order keeps action IDs and plan layouts reproducible
	// for a given input.
	names := make([]string, 0, len(desired))
	for name := range desiredByName {
		names = append(names, name)
	}
	sort.Strings(names)

	actionByWorkload := make(map[string]string)
	for _, name := range names {
		spec := desiredByName[name]
		cur, exists := observed[name]

		var action *SyncAction
		switch {
		case !exists:
			action = d.newAction(ActionCreate, spec, 0)
			plan.Summary.Creates++
		case cur.Generation != spec.Generation:
			action = d.newAction(ActionUpdate, spec, cur.Generation)
			plan.Summary.Updates++
		case cur.Replicas != spec.Replicas:
			action = d.newAction(ActionScale, spec, cur.Generation)
			action.FromReplicas = cur.Replicas
			action.ToReplicas = spec.Replicas
			plan.Summary.Scales++
		default:
			continue
		}

		actionByWorkload[name] = action.ID
		plan.Actions = append(plan.Actions, *action)
	}

	// Wire declared dependencies between the actions that made the plan.
	// A dependency with no pending action is already settled and needs no
	// edge.
	for i := range plan.Actions {
		spec := desiredByName[plan.Actions[i].Workload]
		for _, dep := range spec.DependsOn {
			if depID, ok := actionByWorkload[dep]; ok {
				plan.Actions[i].DependsOn = append(plan.Actions[i].DependsOn, ActionDependency{
					ActionID: depID,
					Kind:     DependencyRequire,
				})
			}
		}
	}

	// Observed workloads missing from the desired set: delete when pruning,
	// otherwise report as orphans.
	orphanNames := make([]string, 0)
	for name := range observed {
		if _, ok := desiredByName[name]; !ok {
			orphanNames = append(orphanNames, name)
		}
	}
	sort.Strings(orphanNames)

	for _, name := range orphanNames {
		if !d.opts.Prune {
			plan.Orphans = append(plan.Orphans, name)
			plan.Summary.Orphans++
			continue
		}
		del := SyncAction{
			ID:                 uuid.New().String(),
			Type:               ActionDelete,
			Workload:           name,
			ObservedGeneration: observed[name].Generation,
			MaxRetries:         d.opts.MaxRetries,
			Timeout:            d.opts.ActionTimeout,
		}
		// Deletes run last: order edges onto every non-delete action so the
		// graph pushes them to the deepest levels without making them
		// depend on those actions succeeding.
		for _, actionID := range actionByWorkload {
			del.DependsOn = append(del.DependsOn, ActionDependency{
				ActionID: actionID,
				Kind:     DependencyOrder,
			})
		}
		sort.Slice(del.DependsOn, func(i, j int) bool {
			return del.DependsOn[i].ActionID < del.DependsOn[j].ActionID
		})
		plan.Actions = append(plan.Actions, del)
		plan.Summary.Deletes++
	}

	graph, err := NewGraphBuilder().Build(plan.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to build plan graph: %w", err)
	}
	plan.Graph = graph

	d.logger.Debug().
		Str("plan_id", plan.ID).
		Str("revision", revision).
		Int("creates", plan.Summary.Creates).
		Int("updates", plan.Summary.Updates).
		Int("scales", plan.Summary.Scales).
		Int("deletes", plan.Summary.Deletes).
		Int("orphans", plan.Summary.Orphans).
		Msg("Computed sync plan")

	return plan, nil
}

// newAction builds a create/update/scale action for a desired spec.
func (d *Differ) newAction(t ActionType, spec *WorkloadSpec, observedGen int64) *SyncAction {
	specCopy := *spec
	return &SyncAction{
		ID:                 uuid.New().String(),
		Type:               t,
		Workload:           spec.Name,
		Desired:            &specCopy,
		TargetGeneration:   spec.Generation,
		ObservedGeneration: observedGen,
		MaxRetries:         d.opts.MaxRetries,
		Timeout:            d.opts.ActionTimeout,
	}
}
