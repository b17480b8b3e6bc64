package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/helmstead/helmstead/pkg/engine"
)

func testEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	return NewEngine(opts, zerolog.New(nil).Level(zerolog.Disabled))
}

func planWith(actions ...engine.SyncAction) *engine.SyncPlan {
	return &engine.SyncPlan{ID: "plan-1", Actions: actions}
}

func createAction(workload, image string) engine.SyncAction {
	return engine.SyncAction{
		ID:       "act-" + workload,
		Type:     engine.ActionCreate,
		Workload: workload,
		Desired: &engine.WorkloadSpec{
			Name:     workload,
			Image:    image,
			Replicas: 1,
			Role:     engine.RoleWorker,
		},
	}
}

func deleteAction(workload string) engine.SyncAction {
	return engine.SyncAction{
		ID:       "act-" + workload,
		Type:     engine.ActionDelete,
		Workload: workload,
	}
}

func TestEngine_BuiltinPoliciesLoaded(t *testing.T) {
	eng := testEngine(t, Options{})

	expected := []string{"protected-workloads", "self-heal-scope", "image-allowlist"}
	for _, name := range expected {
		if _, ok := eng.policies[name]; !ok {
			t.Errorf("expected built-in policy %s", name)
		}
	}
}

func TestEngine_AllowsCleanPlan(t *testing.T) {
	eng := testEngine(t, Options{
		AllowedRegistries: []string{"registry.example.com/"},
		Protected:         []string{"db"},
	})

	plan := planWith(createAction("api", "registry.example.com/api:v1"))
	result, err := eng.Evaluate(context.Background(), plan)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allowed {
		t.Fatalf("clean plan should be allowed: %+v", result.Violations)
	}
	if err := eng.EvaluatePlan(context.Background(), plan); err != nil {
		t.Errorf("EvaluatePlan should pass: %v", err)
	}
}

func TestEngine_ProtectedWorkloadDelete(t *testing.T) {
	eng := testEngine(t, Options{Protected: []string{"db"}})

	plan := planWith(deleteAction("db"))
	result, err := eng.Evaluate(context.Background(), plan)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("deleting a protected workload should be denied")
	}

	err = eng.EvaluatePlan(context.Background(), plan)
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "protected") {
		t.Errorf("error should name the policy: %v", err)
	}

	// Deleting an unprotected workload is fine.
	if err := eng.EvaluatePlan(context.Background(), planWith(deleteAction("scratch"))); err != nil {
		t.Errorf("unprotected delete should pass: %v", err)
	}
}

func TestEngine_SelfHealMayNotDelete(t *testing.T) {
	driftGate := testEngine(t, Options{SelfHeal: true})
	syncGate := testEngine(t, Options{SelfHeal: false})

	plan := planWith(deleteAction("stray"))
	if err := driftGate.EvaluatePlan(context.Background(), plan); err == nil {
		t.Error("self-heal plans may not delete workloads")
	}

	// The same plan from an operator-invoked sync is allowed.
	plan2 := planWith(deleteAction("stray"))
	if err := syncGate.EvaluatePlan(context.Background(), plan2); err != nil {
		t.Errorf("operator sync may prune: %v", err)
	}
}

func TestEngine_ImageAllowlist(t *testing.T) {
	eng := testEngine(t, Options{AllowedRegistries: []string{"registry.example.com/"}})

	tests := []struct {
		name    string
		image   string
		allowed bool
	}{
		{name: "allowed registry", image: "registry.example.com/api:v1", allowed: true},
		{name: "foreign registry", image: "docker.io/library/nginx:latest", allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := planWith(createAction("api", tt.image))
			result, err := eng.Evaluate(context.Background(), plan)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if result.Allowed != tt.allowed {
				t.Errorf("image %s: allowed=%v, want %v (%+v)", tt.image, result.Allowed, tt.allowed, result.Violations)
			}
		})
	}
}

func TestEngine_NoAllowlistMeansAnyImage(t *testing.T) {
	eng := testEngine(t, Options{})

	plan := planWith(createAction("api", "docker.io/library/nginx:latest"))
	if err := eng.EvaluatePlan(context.Background(), plan); err != nil {
		t.Errorf("empty allowlist should not restrict images: %v", err)
	}
}

func TestEngine_LoadDir(t *testing.T) {
	dir := t.TempDir()
	policy := `package custom.replicas

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	action.type in {"create", "update"}
	action.desired.replicas > 10
	violation := {
		"message": sprintf("workload %s requests too many replicas", [action.workload]),
		"severity": "error",
		"workload": action.workload,
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "max-replicas.rego"), []byte(policy), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	eng := testEngine(t, Options{})
	if err := eng.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	big := createAction("api", "registry.example.com/api:v1")
	big.Desired.Replicas = 50
	err := eng.EvaluatePlan(context.Background(), planWith(big))
	if err == nil {
		t.Fatal("custom policy should deny the plan")
	}
	if !strings.Contains(err.Error(), "max-replicas") {
		t.Errorf("error should name the custom policy: %v", err)
	}
}

func TestExtractPackageName(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{name: "simple", code: "package custom.rules\n\ndeny := []", want: "custom.rules"},
		{name: "leading comment", code: "# comment\npackage a.b.c\n", want: "a.b.c"},
		{name: "missing", code: "deny := []", want: "helmstead.policies"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractPackageName(tt.code); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
