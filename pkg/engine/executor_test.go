package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testExecutor(cluster ClusterAPI, applied *AppliedState) *Executor {
	return NewExecutor(cluster, applied, nil, ExecutorOptions{
		MaxParallel: 4,
		BaseBackoff: time.Millisecond,
	}, nil, nil, zerolog.New(nil).Level(zerolog.Disabled))
}

func computePlan(t *testing.T, prune bool, desired []WorkloadSpec, observed map[string]AppliedWorkload) *SyncPlan {
	t.Helper()
	plan, err := testDiffer(prune).Compute(context.Background(), "rev-test", desired, observed)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	return plan
}

func TestExecutor_AppliesCreatePlan(t *testing.T) {
	cluster := NewMemoryCluster()
	applied := NewAppliedState()
	exec := testExecutor(cluster, applied)

	plan := computePlan(t, false, []WorkloadSpec{
		testSpec("db", 1, 1),
		testSpec("api", 1, 2, "db"),
	}, nil)

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if report.Status != PassStatusSucceeded {
		t.Fatalf("expected succeeded pass, got %s", report.Status)
	}
	if report.Succeeded() != 2 {
		t.Errorf("expected 2 succeeded actions, got %d", report.Succeeded())
	}

	if gen := applied.Generation("api"); gen != 1 {
		t.Errorf("api applied generation: expected 1, got %d", gen)
	}
	listed, _ := cluster.ListWorkloads(context.Background())
	if len(listed) != 2 {
		t.Errorf("cluster should run 2 workloads, got %d", len(listed))
	}
}

func TestExecutor_PlanConsumedExactlyOnce(t *testing.T) {
	cluster := NewMemoryCluster()
	exec := testExecutor(cluster, NewAppliedState())

	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 1, 1)}, nil)

	if _, err := exec.Apply(context.Background(), plan); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	_, err := exec.Apply(context.Background(), plan)
	if !errors.Is(err, ErrPlanConsumed) {
		t.Fatalf("second Apply: expected ErrPlanConsumed, got %v", err)
	}
}

func TestExecutor_NoopWhenGenerationAlreadyApplied(t *testing.T) {
	cluster := NewMemoryCluster()
	applied := NewAppliedState()
	exec := testExecutor(cluster, applied)

	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 2, 1)},
		map[string]AppliedWorkload{"api": {Name: "api", Generation: 1, Replicas: 1}})

	// Someone else applied generation 2 between plan and execution.
	applied.Restore([]AppliedWorkload{{Name: "api", Generation: 2, Replicas: 1}})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if report.Status != PassStatusSucceeded {
		t.Fatalf("expected succeeded pass, got %s", report.Status)
	}
	if got := report.Results[0].Status; got != ActionStatusNoop {
		t.Errorf("expected noop, got %s", got)
	}
}

func TestExecutor_StalePlanSkipped(t *testing.T) {
	cluster := NewMemoryCluster()
	applied := NewAppliedState()
	exec := testExecutor(cluster, applied)

	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 2, 1)},
		map[string]AppliedWorkload{"api": {Name: "api", Generation: 1, Replicas: 1}})

	// A newer generation landed while this plan was in flight.
	applied.Restore([]AppliedWorkload{{Name: "api", Generation: 3, Replicas: 1}})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	res := report.Results[0]
	if res.Status != ActionStatusSkipped {
		t.Fatalf("expected skipped, got %s", res.Status)
	}
	if !errors.Is(res.Error, ErrStalePlan) {
		t.Errorf("expected ErrStalePlan, got %v", res.Error)
	}
	if gen := applied.Generation("api"); gen != 3 {
		t.Errorf("stale apply must not regress generation: got %d", gen)
	}
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	cluster := NewMemoryCluster()
	exec := testExecutor(cluster, NewAppliedState())

	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 1, 1)}, nil)
	cluster.InjectFailure("api", 2, NewTransientError("connection refused", nil))

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	res := report.Results[0]
	if res.Status != ActionStatusSucceeded {
		t.Fatalf("expected success after retries, got %s (%v)", res.Status, res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestExecutor_RetryExhaustionFailsAction(t *testing.T) {
	cluster := NewMemoryCluster()
	exec := testExecutor(cluster, NewAppliedState())

	// MaxRetries is 2, so 3 attempts total; inject 4 failures.
	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 1, 1)}, nil)
	cluster.InjectFailure("api", 4, NewTransientError("connection refused", nil))

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	res := report.Results[0]
	if res.Status != ActionStatusFailed {
		t.Fatalf("expected failed after exhaustion, got %s", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
	if report.Status != PassStatusFailed {
		t.Errorf("nothing succeeded, pass should be failed, got %s", report.Status)
	}
}

func TestExecutor_PermanentFailureNotRetried(t *testing.T) {
	cluster := NewMemoryCluster()
	exec := testExecutor(cluster, NewAppliedState())

	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 1, 1)}, nil)
	cluster.InjectFailure("api", 1, NewPermanentError("image not found", nil))

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	res := report.Results[0]
	if res.Status != ActionStatusFailed {
		t.Fatalf("expected failed, got %s", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("permanent failures must not retry, got %d attempts", res.Attempts)
	}
}

func TestExecutor_DependencyFailureSkipsDownstream(t *testing.T) {
	cluster := NewMemoryCluster()
	exec := testExecutor(cluster, NewAppliedState())

	plan := computePlan(t, false, []WorkloadSpec{
		testSpec("db", 1, 1),
		testSpec("api", 1, 1, "db"),
		testSpec("frontend", 1, 1, "api"),
		testSpec("standalone", 1, 1),
	}, nil)
	cluster.InjectFailure("db", 10, NewPermanentError("boom", nil))

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	byWorkload := make(map[string]ActionResult)
	for _, res := range report.Results {
		byWorkload[res.Workload] = res
	}
	if byWorkload["db"].Status != ActionStatusFailed {
		t.Errorf("db: expected failed, got %s", byWorkload["db"].Status)
	}
	for _, name := range []string{"api", "frontend"} {
		res := byWorkload[name]
		if res.Status != ActionStatusSkipped {
			t.Errorf("%s: expected skipped, got %s", name, res.Status)
		}
		if res.Error == nil || res.Error.Code != ErrCodeDependencyFailed {
			t.Errorf("%s: expected DEPENDENCY_FAILED, got %v", name, res.Error)
		}
	}
	if byWorkload["standalone"].Status != ActionStatusSucceeded {
		t.Errorf("standalone has no failed dependency and should succeed, got %s", byWorkload["standalone"].Status)
	}
	if report.Status != PassStatusDegraded {
		t.Errorf("partial apply should degrade the pass, got %s", report.Status)
	}
}

func TestExecutor_ScaleAndDelete(t *testing.T) {
	cluster := NewMemoryCluster()
	applied := NewAppliedState()
	exec := testExecutor(cluster, applied)

	// Seed cluster and applied record with two workloads.
	seed := computePlan(t, false, []WorkloadSpec{
		testSpec("api", 1, 2),
		testSpec("stray", 1, 1),
	}, nil)
	if _, err := exec.Apply(context.Background(), seed); err != nil {
		t.Fatalf("seed Apply failed: %v", err)
	}

	// Scale api, prune stray.
	plan := computePlan(t, true, []WorkloadSpec{testSpec("api", 1, 5)}, applied.Snapshot())

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if report.Status != PassStatusSucceeded {
		t.Fatalf("expected succeeded pass, got %s", report.Status)
	}

	if rec, ok := applied.Get("api"); !ok || rec.Replicas != 5 {
		t.Errorf("api replicas: expected 5, got %+v", rec)
	}
	if _, ok := applied.Get("stray"); ok {
		t.Error("stray should be removed from applied state")
	}
	listed, _ := cluster.ListWorkloads(context.Background())
	for _, cw := range listed {
		if cw.Name == "stray" {
			t.Error("stray should be deleted from the cluster")
		}
		if cw.Name == "api" && cw.Replicas != 5 {
			t.Errorf("cluster api replicas: expected 5, got %d", cw.Replicas)
		}
	}
}

func TestExecutor_CancelledContext(t *testing.T) {
	cluster := NewMemoryCluster()
	exec := testExecutor(cluster, NewAppliedState())

	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 1, 1)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := exec.Apply(ctx, plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if report.Status != PassStatusCancelled {
		t.Fatalf("expected cancelled pass, got %s", report.Status)
	}
	for _, res := range report.Results {
		if res.Status != ActionStatusCancelled {
			t.Errorf("%s: expected cancelled, got %s", res.Workload, res.Status)
		}
	}
}

func TestAppliedState_StaleCommitLeavesSentinelClean(t *testing.T) {
	applied := NewAppliedState()
	applied.Restore([]AppliedWorkload{{Name: "victim", Generation: 3}})

	err := applied.commit(AppliedWorkload{Name: "victim", Generation: 2})
	if !errors.Is(err, ErrStalePlan) {
		t.Fatalf("expected stale-plan conflict, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Workload != "victim" {
		t.Errorf("error should carry the workload, got %+v", cerr)
	}

	// The shared sentinel must never accumulate per-workload context.
	if ErrStalePlan.Workload != "" {
		t.Errorf("ErrStalePlan sentinel was mutated: workload=%q", ErrStalePlan.Workload)
	}
}

func TestExecutor_RecordsPassThroughRecorder(t *testing.T) {
	cluster := NewMemoryCluster()
	rec := &fakeRecorder{}
	exec := NewExecutor(cluster, NewAppliedState(), rec, ExecutorOptions{
		MaxParallel: 2,
		BaseBackoff: time.Millisecond,
	}, nil, nil, zerolog.New(nil).Level(zerolog.Disabled))

	plan := computePlan(t, false, []WorkloadSpec{testSpec("api", 1, 1)}, nil)
	if _, err := exec.Apply(context.Background(), plan); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if len(rec.passes) != 1 {
		t.Fatalf("expected 1 recorded pass, got %d", len(rec.passes))
	}
	if len(rec.applied) != 1 || rec.applied[0].Name != "api" {
		t.Errorf("expected applied record for api, got %+v", rec.applied)
	}
}

type fakeRecorder struct {
	passes  []*ApplyReport
	applied []AppliedWorkload
	removed []string
}

func (f *fakeRecorder) RecordPass(_ context.Context, report *ApplyReport) error {
	f.passes = append(f.passes, report)
	return nil
}

func (f *fakeRecorder) RecordApplied(_ context.Context, w AppliedWorkload) error {
	f.applied = append(f.applied, w)
	return nil
}

func (f *fakeRecorder) RemoveApplied(_ context.Context, name string) error {
	f.removed = append(f.removed, name)
	return nil
}
