package engine

import (
	"strings"
	"testing"
)

func graphAction(id, workload string, deps ...string) SyncAction {
	a := SyncAction{ID: id, Type: ActionCreate, Workload: workload}
	for _, dep := range deps {
		a.DependsOn = append(a.DependsOn, ActionDependency{ActionID: dep, Kind: DependencyRequire})
	}
	return a
}

func TestGraphBuilder_Levels(t *testing.T) {
	actions := []SyncAction{
		graphAction("a1", "db"),
		graphAction("a2", "cache"),
		graphAction("a3", "api", "a1", "a2"),
		graphAction("a4", "frontend", "a3"),
	}

	graph, err := NewGraphBuilder().Build(actions)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if graph.Depth != 3 {
		t.Errorf("expected depth 3, got %d", graph.Depth)
	}
	if len(graph.Levels) != 3 {
		t.Fatalf("expected 3 levels, got %d", len(graph.Levels))
	}

	// Roots sit in level 0, sorted by workload name (cache before db).
	if len(graph.Levels[0]) != 2 || graph.Levels[0][0] != "a2" || graph.Levels[0][1] != "a1" {
		t.Errorf("unexpected level 0: %v", graph.Levels[0])
	}
	if len(graph.Levels[1]) != 1 || graph.Levels[1][0] != "a3" {
		t.Errorf("unexpected level 1: %v", graph.Levels[1])
	}
	if len(graph.Levels[2]) != 1 || graph.Levels[2][0] != "a4" {
		t.Errorf("unexpected level 2: %v", graph.Levels[2])
	}

	if len(graph.Roots) != 2 {
		t.Errorf("expected 2 roots, got %v", graph.Roots)
	}
	if node := graph.Nodes["a3"]; node == nil || node.Level != 1 {
		t.Errorf("a3 should carry level 1: %+v", node)
	}
}

func TestGraphBuilder_DetectsCycle(t *testing.T) {
	actions := []SyncAction{
		graphAction("a1", "db", "a3"),
		graphAction("a2", "api", "a1"),
		graphAction("a3", "frontend", "a2"),
	}

	_, err := NewGraphBuilder().Build(actions)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Errorf("error should name the cycle: %v", err)
	}
}

func TestGraphBuilder_SelfDependencyIsACycle(t *testing.T) {
	actions := []SyncAction{graphAction("a1", "db", "a1")}

	if _, err := NewGraphBuilder().Build(actions); err == nil {
		t.Fatal("expected cycle error for self-dependency")
	}
}

func TestGraphBuilder_UnknownDependency(t *testing.T) {
	actions := []SyncAction{graphAction("a1", "db", "ghost")}

	_, err := NewGraphBuilder().Build(actions)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGraphBuilder_DuplicateActionID(t *testing.T) {
	actions := []SyncAction{
		graphAction("a1", "db"),
		graphAction("a1", "api"),
	}

	_, err := NewGraphBuilder().Build(actions)
	if !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestGraphBuilder_EmptyInput(t *testing.T) {
	graph, err := NewGraphBuilder().Build(nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(graph.Levels) != 0 || len(graph.Roots) != 0 {
		t.Errorf("empty input should yield an empty graph: %+v", graph)
	}
}

func TestSyncPlan_ToDOT(t *testing.T) {
	actions := []SyncAction{
		graphAction("a1", "db"),
		graphAction("a2", "api", "a1"),
	}
	graph, err := NewGraphBuilder().Build(actions)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	plan := &SyncPlan{ID: "plan-1", Actions: actions, Graph: graph}

	dot := plan.ToDOT()
	if !strings.Contains(dot, "digraph") {
		t.Errorf("expected a digraph, got:\n%s", dot)
	}
	for _, want := range []string{"db", "api"} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output should label workload %q:\n%s", want, dot)
		}
	}
}
