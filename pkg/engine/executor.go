package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/telemetry"
)

// PassRecorder persists pass outcomes and applied-state changes. The
// sqlite store implements it; a nil recorder disables persistence.
type PassRecorder interface {
	RecordPass(ctx context.Context, report *ApplyReport) error
	RecordApplied(ctx context.Context, workload AppliedWorkload) error
	RemoveApplied(ctx context.Context, name string) error
}

// ExecutorOptions configures the sync executor.
type ExecutorOptions struct {
	// MaxParallel bounds concurrent actions within a level. Defaults to 4.
	MaxParallel int

	// BaseBackoff is the initial retry delay for transient failures.
	// Defaults to 500ms.
	BaseBackoff time.Duration
}

func (o *ExecutorOptions) applyDefaults() {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 500 * time.Millisecond
	}
}

// Executor applies sync plans to the cluster level by level, with bounded
// parallelism within each level. It is the sole writer of the applied
// state record.
type Executor struct {
	cluster  ClusterAPI
	applied  *AppliedState
	recorder PassRecorder
	opts     ExecutorOptions

	bus     *telemetry.Bus
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewExecutor creates a sync executor. recorder and metrics may be nil.
func NewExecutor(cluster ClusterAPI, applied *AppliedState, recorder PassRecorder, opts ExecutorOptions, bus *telemetry.Bus, metrics *telemetry.Metrics, logger zerolog.Logger) *Executor {
	opts.applyDefaults()
	return &Executor{
		cluster:  cluster,
		applied:  applied,
		recorder: recorder,
		opts:     opts,
		bus:      bus,
		metrics:  metrics,
		logger:   logger.With().Str("component", "executor").Logger(),
	}
}

// Applied exposes the executor's applied-state record for read access.
func (e *Executor) Applied() *AppliedState {
	return e.applied
}

// Apply executes a plan. Each plan is consumed exactly once; applying it a
// second time returns ErrPlanConsumed. Actions run level by level: a level
// starts only when the previous level has fully settled, and within a
// level at most MaxParallel actions run concurrently. On context
// cancellation, in-flight actions finish their current attempt and all
// remaining actions are marked cancelled.
//
// The returned report always accounts for every plan action. A non-nil
// error is returned only when the plan itself cannot be executed; action
// failures are reported through the report status instead.
func (e *Executor) Apply(ctx context.Context, plan *SyncPlan) (*ApplyReport, error) {
	if err := plan.consume(); err != nil {
		return nil, err
	}

	report := &ApplyReport{
		PlanID:    plan.ID,
		PassID:    uuid.New().String(),
		Orphans:   plan.Orphans,
		StartedAt: time.Now(),
	}

	e.logger.Info().
		Str("plan_id", plan.ID).
		Str("pass_id", report.PassID).
		Str("revision", plan.Revision).
		Int("actions", len(plan.Actions)).
		Msg("Starting sync pass")

	e.metrics.RecordPassStarted()
	e.bus.Publish(telemetry.Event{
		Type:   telemetry.EventTypePassStarted,
		PassID: report.PassID,
		PlanID: plan.ID,
		Data:   map[string]interface{}{"actions": len(plan.Actions)},
	})

	actions := make(map[string]*SyncAction, len(plan.Actions))
	for i := range plan.Actions {
		actions[plan.Actions[i].ID] = &plan.Actions[i]
	}

	results := make(map[string]*ActionResult, len(plan.Actions))
	var resultsMu sync.Mutex

	cancelled := false
	for _, level := range plan.Graph.Levels {
		if ctx.Err() != nil {
			cancelled = true
		}
		if cancelled {
			for _, id := range level {
				resultsMu.Lock()
				results[id] = e.cancelledResult(actions[id])
				resultsMu.Unlock()
			}
			continue
		}
		e.runLevel(ctx, level, actions, results, &resultsMu)
	}

	for _, action := range plan.Actions {
		res := results[action.ID]
		report.Results = append(report.Results, *res)
		e.metrics.RecordAction(string(action.Type), string(res.Status), res.Duration)
	}

	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Status = e.passStatus(report, cancelled || ctx.Err() != nil)

	e.metrics.RecordPassCompleted(string(report.Status), report.Duration)
	e.metrics.SetWorkloadsManaged(len(e.applied.Names()))

	e.logger.Info().
		Str("pass_id", report.PassID).
		Str("status", string(report.Status)).
		Int("succeeded", report.Succeeded()).
		Int("failed", len(report.Failures())).
		Dur("duration", report.Duration).
		Msg("Sync pass completed")

	e.bus.Publish(telemetry.Event{
		Type:   telemetry.EventTypePassCompleted,
		PassID: report.PassID,
		PlanID: plan.ID,
		Data: map[string]interface{}{
			"status":    string(report.Status),
			"succeeded": report.Succeeded(),
			"failed":    len(report.Failures()),
		},
	})

	if e.recorder != nil {
		if err := e.recorder.RecordPass(context.WithoutCancel(ctx), report); err != nil {
			e.logger.Error().Err(err).Str("pass_id", report.PassID).Msg("Failed to persist pass")
		}
	}
	return report, nil
}

// runLevel executes one level's actions through a bounded worker pool.
func (e *Executor) runLevel(ctx context.Context, level []string, actions map[string]*SyncAction, results map[string]*ActionResult, resultsMu *sync.Mutex) {
	workers := e.opts.MaxParallel
	if workers > len(level) {
		workers = len(level)
	}

	queue := make(chan *SyncAction, len(level))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range queue {
				res := e.runAction(ctx, action, results, resultsMu)
				resultsMu.Lock()
				results[action.ID] = res
				resultsMu.Unlock()
			}
		}()
	}
	for _, id := range level {
		queue <- actions[id]
	}
	close(queue)
	wg.Wait()
}

// runAction drives one action to a terminal status.
func (e *Executor) runAction(ctx context.Context, action *SyncAction, results map[string]*ActionResult, resultsMu *sync.Mutex) *ActionResult {
	res := &ActionResult{
		ActionID:  action.ID,
		Workload:  action.Workload,
		Type:      action.Type,
		StartedAt: time.Now(),
	}
	finish := func(status ActionStatus, err *Error) *ActionResult {
		res.Status = status
		res.Error = err
		res.CompletedAt = time.Now()
		res.Duration = res.CompletedAt.Sub(res.StartedAt)
		return res
	}

	if ctx.Err() != nil {
		return finish(ActionStatusCancelled, nil)
	}

	// A require dependency that did not succeed aborts this action and,
	// transitively, everything downstream of it.
	if failedDep := e.failedRequirement(action, results, resultsMu); failedDep != "" {
		e.logger.Warn().
			Str("action_id", action.ID).
			Str("workload", action.Workload).
			Str("failed_dependency", failedDep).
			Msg("Skipping action, dependency failed")
		return finish(ActionStatusSkipped, NewPermanentError(
			fmt.Sprintf("dependency %s did not succeed", failedDep), nil,
		).WithCode(ErrCodeDependencyFailed).WithWorkload(action.Workload))
	}

	// The per-workload lock serializes the check-then-act sequence so two
	// actions for the same workload cannot interleave.
	lock := e.applied.workloadLock(action.Workload)
	lock.Lock()
	defer lock.Unlock()

	if status, err := e.checkIdempotence(action); status != "" {
		if status == ActionStatusNoop {
			e.logger.Debug().
				Str("action_id", action.ID).
				Str("workload", action.Workload).
				Msg("Target generation already applied, no-op")
		}
		return finish(status, err)
	}

	var execErr error
	for attempt := 1; attempt <= action.MaxRetries+1; attempt++ {
		res.Attempts = attempt
		execErr = e.execute(ctx, action)
		if execErr == nil {
			break
		}
		if !IsRetryable(classify(execErr)) || ctx.Err() != nil || attempt > action.MaxRetries {
			break
		}
		delay := backoffDelay(e.opts.BaseBackoff, attempt)
		e.metrics.RecordActionRetry()
		e.logger.Warn().
			Str("action_id", action.ID).
			Str("workload", action.Workload).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(execErr).
			Msg("Action failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return finish(ActionStatusCancelled, nil)
		}
	}

	if execErr != nil {
		cerr := classify(execErr).WithWorkload(action.Workload).WithOp(string(action.Type))
		e.logger.Error().
			Str("action_id", action.ID).
			Str("workload", action.Workload).
			Str("type", string(action.Type)).
			Int("attempts", res.Attempts).
			Err(cerr).
			Msg("Action failed")
		e.bus.Publish(telemetry.Event{
			Type:     telemetry.EventTypeActionFailed,
			Workload: action.Workload,
			Level:    telemetry.EventLevelError,
			Message:  cerr.Error(),
		})
		return finish(ActionStatusFailed, cerr)
	}

	if err := e.commit(ctx, action); err != nil {
		cerr := classify(err).WithWorkload(action.Workload)
		return finish(ActionStatusFailed, cerr)
	}

	e.bus.Publish(telemetry.Event{
		Type:     telemetry.EventTypeActionApplied,
		Workload: action.Workload,
		Data: map[string]interface{}{
			"type":       string(action.Type),
			"generation": action.TargetGeneration,
		},
	})
	return finish(ActionStatusSucceeded, nil)
}

// checkIdempotence compares the action's target against the applied record
// under the per-workload lock. It returns a terminal status when the
// action needs no cluster work, or an empty status to proceed.
func (e *Executor) checkIdempotence(action *SyncAction) (ActionStatus, *Error) {
	applied, exists := e.applied.Get(action.Workload)

	switch action.Type {
	case ActionDelete:
		if !exists {
			return ActionStatusNoop, nil
		}
	case ActionCreate, ActionUpdate:
		if !exists {
			return "", nil
		}
		if applied.Generation == action.TargetGeneration {
			return ActionStatusNoop, nil
		}
		if applied.Generation > action.TargetGeneration {
			return ActionStatusSkipped, NewConflictError(
				fmt.Sprintf("applied generation %d is newer than target %d", applied.Generation, action.TargetGeneration),
				ErrStalePlan,
			).WithCode(ErrCodeStalePlan).WithWorkload(action.Workload)
		}
	case ActionScale:
		if !exists {
			return ActionStatusSkipped, NewConflictError(
				"workload no longer applied", ErrStalePlan,
			).WithCode(ErrCodeStalePlan).WithWorkload(action.Workload)
		}
		if applied.Generation > action.TargetGeneration {
			return ActionStatusSkipped, NewConflictError(
				fmt.Sprintf("applied generation %d is newer than target %d", applied.Generation, action.TargetGeneration),
				ErrStalePlan,
			).WithCode(ErrCodeStalePlan).WithWorkload(action.Workload)
		}
		if applied.Replicas == action.ToReplicas {
			return ActionStatusNoop, nil
		}
	}
	return "", nil
}

// execute performs the cluster operation for one attempt.
func (e *Executor) execute(ctx context.Context, action *SyncAction) error {
	attemptCtx := ctx
	if action.Timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, action.Timeout)
		defer cancel()
	}

	switch action.Type {
	case ActionCreate:
		return e.cluster.CreateWorkload(attemptCtx, action.Desired)
	case ActionUpdate:
		return e.cluster.UpdateWorkload(attemptCtx, action.Desired)
	case ActionScale:
		return e.cluster.ScaleWorkload(attemptCtx, action.Workload, action.ToReplicas)
	case ActionDelete:
		return e.cluster.DeleteWorkload(attemptCtx, action.Workload)
	default:
		return NewValidationError(fmt.Sprintf("unknown action type: %s", action.Type), nil)
	}
}

// commit records the action's outcome in the applied state and the
// recorder. The caller holds the per-workload lock.
func (e *Executor) commit(ctx context.Context, action *SyncAction) error {
	if action.Type == ActionDelete {
		e.applied.remove(action.Workload)
		if e.recorder != nil {
			if err := e.recorder.RemoveApplied(context.WithoutCancel(ctx), action.Workload); err != nil {
				e.logger.Error().Err(err).Str("workload", action.Workload).Msg("Failed to persist applied-state removal")
			}
		}
		return nil
	}

	applied := AppliedWorkload{
		Name:       action.Workload,
		Generation: action.TargetGeneration,
		UpdatedAt:  time.Now(),
	}
	if action.Desired != nil {
		applied.Image = action.Desired.Image
		applied.Replicas = action.Desired.Replicas
	} else if action.Type == ActionScale {
		prev, _ := e.applied.Get(action.Workload)
		applied.Image = prev.Image
		applied.Replicas = action.ToReplicas
	}

	if err := e.applied.commit(applied); err != nil {
		return err
	}
	if e.recorder != nil {
		if err := e.recorder.RecordApplied(context.WithoutCancel(ctx), applied); err != nil {
			e.logger.Error().Err(err).Str("workload", action.Workload).Msg("Failed to persist applied state")
		}
	}
	return nil
}

// failedRequirement returns the first require dependency that did not
// succeed, or empty when all requirements are satisfied.
func (e *Executor) failedRequirement(action *SyncAction, results map[string]*ActionResult, resultsMu *sync.Mutex) string {
	resultsMu.Lock()
	defer resultsMu.Unlock()
	for _, dep := range action.DependsOn {
		if dep.Kind != DependencyRequire {
			continue
		}
		res, ok := results[dep.ActionID]
		if !ok || !res.Status.Succeeded() {
			return dep.ActionID
		}
	}
	return ""
}

func (e *Executor) cancelledResult(action *SyncAction) *ActionResult {
	now := time.Now()
	return &ActionResult{
		ActionID:    action.ID,
		Workload:    action.Workload,
		Type:        action.Type,
		Status:      ActionStatusCancelled,
		StartedAt:   now,
		CompletedAt: now,
	}
}

// passStatus derives the overall pass outcome: failures degrade the pass
// rather than failing it, unless nothing succeeded at all.
func (e *Executor) passStatus(report *ApplyReport, cancelled bool) PassStatus {
	if cancelled {
		return PassStatusCancelled
	}
	failed := len(report.Failures())
	skipped := 0
	for _, res := range report.Results {
		if res.Status == ActionStatusSkipped {
			skipped++
		}
	}
	if failed == 0 && skipped == 0 {
		return PassStatusSucceeded
	}
	if report.Succeeded() == 0 && failed > 0 {
		return PassStatusFailed
	}
	return PassStatusDegraded
}

// classify wraps arbitrary errors in a classified Error, passing through
// errors that already carry a class.
func classify(err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTransientError("operation timed out", err)
	}
	return NewPermanentError(err.Error(), err)
}
