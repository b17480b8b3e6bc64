package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func testTopology(t *testing.T) *Topology {
	t.Helper()
	return NewTopology(nil, zerolog.New(nil).Level(zerolog.Disabled))
}

func TestTopology_DeclareIsIdempotent(t *testing.T) {
	topo := testTopology(t)

	first, err := topo.Declare("node-1", "10.0.0.1:22", RoleController)
	if err != nil {
		t.Fatalf("Declare failed: %v", err)
	}
	if first.State != JoinStateUnjoined {
		t.Errorf("new nodes start unjoined, got %s", first.State)
	}

	if err := topo.Transition("node-1", JoinStateJoining, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	// Re-declaring must return the existing record, not reset it.
	again, err := topo.Declare("node-1", "10.0.0.9:22", RoleWorker)
	if err != nil {
		t.Fatalf("re-Declare failed: %v", err)
	}
	if again.State != JoinStateJoining {
		t.Errorf("re-declare must not reset state, got %s", again.State)
	}
	if again.Address != "10.0.0.1:22" || again.Role != RoleController {
		t.Errorf("re-declare must not overwrite the record: %+v", again)
	}
}

func TestTopology_DeclareValidation(t *testing.T) {
	topo := testTopology(t)

	if _, err := topo.Declare("", "10.0.0.1:22", RoleWorker); !IsValidation(err) {
		t.Errorf("empty id: expected validation error, got %v", err)
	}
	if _, err := topo.Declare("node-1", "10.0.0.1:22", NodeRole("gateway")); !IsValidation(err) {
		t.Errorf("bad role: expected validation error, got %v", err)
	}
}

func TestTopology_TransitionValidation(t *testing.T) {
	topo := testTopology(t)
	if _, err := topo.Declare("node-1", "10.0.0.1:22", RoleWorker); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	tests := []struct {
		name    string
		steps   []JoinState
		wantErr bool
	}{
		{name: "unjoined to joining", steps: []JoinState{JoinStateJoining}},
		{name: "unjoined straight to ready", steps: []JoinState{JoinStateReady}, wantErr: true},
		{name: "full join lifecycle", steps: []JoinState{JoinStateJoining, JoinStateReady, JoinStateUnreachable, JoinStateReady}},
		{name: "failed node rejoins", steps: []JoinState{JoinStateJoining, JoinStateFailed, JoinStateJoining}},
		{name: "ready cannot fail directly", steps: []JoinState{JoinStateJoining, JoinStateReady, JoinStateFailed}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topo := testTopology(t)
			if _, err := topo.Declare("node-1", "10.0.0.1:22", RoleWorker); err != nil {
				t.Fatalf("Declare failed: %v", err)
			}
			var err error
			for _, to := range tt.steps {
				if err = topo.Transition("node-1", to, ""); err != nil {
					break
				}
			}
			if tt.wantErr && err == nil {
				t.Error("expected transition rejection")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr && !IsConflict(err) {
				t.Errorf("illegal transitions are conflicts, got %v", err)
			}
		})
	}
}

func TestTopology_TransitionUnknownNode(t *testing.T) {
	topo := testTopology(t)
	err := topo.Transition("ghost", JoinStateJoining, "")
	if err == nil {
		t.Fatal("expected error for undeclared node")
	}
	if !IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Code != ErrCodeNotFound {
		t.Errorf("expected NOT_FOUND code, got %v", err)
	}
}

func TestTopology_DecommissionIsTerminal(t *testing.T) {
	topo := testTopology(t)
	if _, err := topo.Declare("node-1", "10.0.0.1:22", RoleWorker); err != nil {
		t.Fatalf("Declare failed: %v", err)
	}

	if err := topo.Decommission("node-1", "hardware retired"); err != nil {
		t.Fatalf("Decommission failed: %v", err)
	}
	node, _ := topo.Get("node-1")
	if node.State != JoinStateDecommissioned {
		t.Fatalf("expected decommissioned, got %s", node.State)
	}
	if node.Message != "hardware retired" {
		t.Errorf("reason should be recorded, got %q", node.Message)
	}

	for _, to := range []JoinState{JoinStateJoining, JoinStateReady, JoinStateUnjoined} {
		if err := topo.Transition("node-1", to, ""); err == nil {
			t.Errorf("decommissioned is terminal, transition to %s should fail", to)
		}
	}
}

func TestTopology_ListSortedAndCopied(t *testing.T) {
	topo := testTopology(t)
	for _, id := range []string{"zeta", "alpha", "mike"} {
		if _, err := topo.Declare(id, id+":22", RoleWorker); err != nil {
			t.Fatalf("Declare failed: %v", err)
		}
	}

	nodes := topo.List()
	if len(nodes) != 3 || nodes[0].ID != "alpha" || nodes[1].ID != "mike" || nodes[2].ID != "zeta" {
		t.Fatalf("expected sorted node list, got %+v", nodes)
	}

	// Mutating a returned record must not leak into the topology.
	nodes[0].State = JoinStateReady
	fresh, _ := topo.Get("alpha")
	if fresh.State != JoinStateUnjoined {
		t.Error("List must return copies")
	}
}

func TestTopology_ObserveHealth(t *testing.T) {
	topo := testTopology(t)
	cluster := NewMemoryCluster()
	ctx := context.Background()

	for _, id := range []string{"node-1", "node-2"} {
		if _, err := topo.Declare(id, id+":22", RoleWorker); err != nil {
			t.Fatalf("Declare failed: %v", err)
		}
		if err := topo.Transition(id, JoinStateJoining, ""); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if err := topo.Transition(id, JoinStateReady, ""); err != nil {
			t.Fatalf("Transition failed: %v", err)
		}
		if err := cluster.RegisterNode(ctx, id, "sha256:abcd"); err != nil {
			t.Fatalf("RegisterNode failed: %v", err)
		}
	}

	// node-2 stops responding.
	cluster.SetNodeHealth("node-2", false)
	if err := topo.ObserveHealth(ctx, cluster); err != nil {
		t.Fatalf("ObserveHealth failed: %v", err)
	}
	n1, _ := topo.Get("node-1")
	n2, _ := topo.Get("node-2")
	if n1.State != JoinStateReady {
		t.Errorf("node-1 should stay ready, got %s", n1.State)
	}
	if n2.State != JoinStateUnreachable {
		t.Errorf("node-2 should be unreachable, got %s", n2.State)
	}

	// node-2 recovers.
	cluster.SetNodeHealth("node-2", true)
	if err := topo.ObserveHealth(ctx, cluster); err != nil {
		t.Fatalf("ObserveHealth failed: %v", err)
	}
	n2, _ = topo.Get("node-2")
	if n2.State != JoinStateReady {
		t.Errorf("node-2 should recover to ready, got %s", n2.State)
	}
}

func TestTopology_CountByState(t *testing.T) {
	topo := testTopology(t)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := topo.Declare(id, id+":22", RoleWorker); err != nil {
			t.Fatalf("Declare failed: %v", err)
		}
	}
	if err := topo.Transition("a", JoinStateJoining, ""); err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	counts := topo.CountByState()
	if counts["unjoined"] != 2 || counts["joining"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}
}
