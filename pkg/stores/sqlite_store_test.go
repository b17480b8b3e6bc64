package stores

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/helmstead/helmstead/pkg/engine"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(Config{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestSQLiteStore_MigrateIsIdempotent(t *testing.T) {
	store := testStore(t)
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
}

func TestSQLiteStore_NodeRoundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	node := &engine.Node{
		ID:         "node-1",
		Address:    "10.0.0.1:22",
		Role:       engine.RoleWorker,
		State:      engine.JoinStateUnjoined,
		DeclaredAt: time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := store.UpsertNode(ctx, node); err != nil {
		t.Fatalf("UpsertNode failed: %v", err)
	}

	got, err := store.GetNode(ctx, "node-1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got.Address != node.Address || got.Role != node.Role || got.State != node.State {
		t.Errorf("roundtrip mismatch: %+v", got)
	}

	// Upsert replaces in place.
	node.State = engine.JoinStateReady
	node.Message = "joined"
	if err := store.UpsertNode(ctx, node); err != nil {
		t.Fatalf("second UpsertNode failed: %v", err)
	}
	got, err = store.GetNode(ctx, "node-1")
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got.State != engine.JoinStateReady || got.Message != "joined" {
		t.Errorf("upsert should replace: %+v", got)
	}

	nodes, err := store.ListNodes(ctx)
	if err != nil {
		t.Fatalf("ListNodes failed: %v", err)
	}
	if len(nodes) != 1 {
		t.Errorf("expected 1 node, got %d", len(nodes))
	}
}

func TestSQLiteStore_GetNodeNotFound(t *testing.T) {
	store := testStore(t)
	if _, err := store.GetNode(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown node")
	}
}

func TestSQLiteStore_JoinTokenLifecycle(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	grant := &engine.JoinGrant{
		NodeID:        "node-1",
		Token:         "tok-abc",
		ControllerID:  "ctrl-1",
		CAFingerprint: "sha256:abcd",
		IssuedAt:      time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(15 * time.Minute),
	}
	if err := store.SaveJoinToken(ctx, grant); err != nil {
		t.Fatalf("SaveJoinToken failed: %v", err)
	}

	got, used, err := store.LookupJoinToken(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("LookupJoinToken failed: %v", err)
	}
	if got == nil || got.NodeID != "node-1" || got.CAFingerprint != "sha256:abcd" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if used {
		t.Error("fresh token must not be marked used")
	}

	if err := store.MarkJoinTokenUsed(ctx, "tok-abc"); err != nil {
		t.Fatalf("MarkJoinTokenUsed failed: %v", err)
	}
	_, used, err = store.LookupJoinToken(ctx, "tok-abc")
	if err != nil {
		t.Fatalf("LookupJoinToken failed: %v", err)
	}
	if !used {
		t.Error("token should be marked used")
	}

	// Unknown tokens resolve to no grant, not an error.
	got, _, err = store.LookupJoinToken(ctx, "ghost")
	if err != nil {
		t.Fatalf("LookupJoinToken failed: %v", err)
	}
	if got != nil {
		t.Errorf("unknown token should yield nil grant, got %+v", got)
	}
}

func TestSQLiteStore_DeleteExpiredJoinTokens(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := &engine.JoinGrant{
		NodeID: "node-1", Token: "tok-old", ControllerID: "ctrl-1",
		IssuedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-45 * time.Minute),
	}
	fresh := &engine.JoinGrant{
		NodeID: "node-2", Token: "tok-new", ControllerID: "ctrl-1",
		IssuedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}
	for _, g := range []*engine.JoinGrant{stale, fresh} {
		if err := store.SaveJoinToken(ctx, g); err != nil {
			t.Fatalf("SaveJoinToken failed: %v", err)
		}
	}

	deleted, err := store.DeleteExpiredJoinTokens(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpiredJoinTokens failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted token, got %d", deleted)
	}
	if got, _, _ := store.LookupJoinToken(ctx, "tok-new"); got == nil {
		t.Error("unexpired token should survive")
	}
}

func TestSQLiteStore_InvalidateNodeTokens(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	superseded := &engine.JoinGrant{
		NodeID: "node-1", Token: "tok-old", ControllerID: "ctrl-1",
		IssuedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}
	other := &engine.JoinGrant{
		NodeID: "node-2", Token: "tok-other", ControllerID: "ctrl-1",
		IssuedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}
	for _, g := range []*engine.JoinGrant{superseded, other} {
		if err := store.SaveJoinToken(ctx, g); err != nil {
			t.Fatalf("SaveJoinToken failed: %v", err)
		}
	}

	if err := store.InvalidateNodeTokens(ctx, "node-1"); err != nil {
		t.Fatalf("InvalidateNodeTokens failed: %v", err)
	}

	if got, _, _ := store.LookupJoinToken(ctx, "tok-old"); got != nil {
		t.Errorf("node-1 token should be revoked, got %+v", got)
	}
	if got, _, _ := store.LookupJoinToken(ctx, "tok-other"); got == nil {
		t.Error("node-2 token should survive")
	}
}

func TestSQLiteStore_SourceGenerationRoundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	recs := []engine.SourceGeneration{
		{Name: "api", Hash: "aaa", Generation: 1},
		{Name: "db", Hash: "bbb", Generation: 3},
	}
	for _, rec := range recs {
		if err := store.UpsertSourceGeneration(ctx, rec); err != nil {
			t.Fatalf("UpsertSourceGeneration failed: %v", err)
		}
	}

	// Upsert replaces the hash and generation for an existing name.
	if err := store.UpsertSourceGeneration(ctx, engine.SourceGeneration{Name: "api", Hash: "ccc", Generation: 2}); err != nil {
		t.Fatalf("UpsertSourceGeneration failed: %v", err)
	}

	got, err := store.ListSourceGenerations(ctx)
	if err != nil {
		t.Fatalf("ListSourceGenerations failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].Name != "api" || got[0].Hash != "ccc" || got[0].Generation != 2 {
		t.Errorf("api record mismatch: %+v", got[0])
	}
	if got[1].Name != "db" || got[1].Generation != 3 {
		t.Errorf("db record mismatch: %+v", got[1])
	}
}

func TestSQLiteStore_AppliedGenerationMonotonic(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.RecordApplied(ctx, engine.AppliedWorkload{
		Name: "api", Generation: 3, Image: "api:v3", Replicas: 2, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("RecordApplied failed: %v", err)
	}

	// An older generation must not overwrite a newer one.
	if err := store.RecordApplied(ctx, engine.AppliedWorkload{
		Name: "api", Generation: 2, Image: "api:v2", Replicas: 2, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("RecordApplied failed: %v", err)
	}
	got, err := store.GetApplied(ctx, "api")
	if err != nil {
		t.Fatalf("GetApplied failed: %v", err)
	}
	if got.Generation != 3 || got.Image != "api:v3" {
		t.Errorf("older generation must not regress the record: %+v", got)
	}

	// A newer generation replaces it.
	if err := store.RecordApplied(ctx, engine.AppliedWorkload{
		Name: "api", Generation: 4, Image: "api:v4", Replicas: 3, UpdatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("RecordApplied failed: %v", err)
	}
	got, _ = store.GetApplied(ctx, "api")
	if got.Generation != 4 || got.Replicas != 3 {
		t.Errorf("newer generation should replace the record: %+v", got)
	}

	if err := store.RemoveApplied(ctx, "api"); err != nil {
		t.Fatalf("RemoveApplied failed: %v", err)
	}
	listed, err := store.ListApplied(ctx)
	if err != nil {
		t.Fatalf("ListApplied failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected empty applied set, got %+v", listed)
	}
}

func TestSQLiteStore_PassRoundtrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Minute)
	completed := time.Now().UTC()
	report := &engine.ApplyReport{
		PlanID:    "plan-1",
		PassID:    "pass-1",
		Status:    engine.PassStatusDegraded,
		Orphans:   []string{"stray"},
		StartedAt: started,
		CompletedAt: completed,
		Duration:    completed.Sub(started),
		Results: []engine.ActionResult{
			{
				ActionID: "act-1", Workload: "api", Type: engine.ActionCreate,
				Status: engine.ActionStatusSucceeded, Attempts: 1,
				StartedAt: started, CompletedAt: completed,
			},
			{
				ActionID: "act-2", Workload: "db", Type: engine.ActionUpdate,
				Status: engine.ActionStatusFailed, Attempts: 3,
				Error:     engine.NewTransientError("connection refused", nil).WithWorkload("db"),
				StartedAt: started, CompletedAt: completed,
			},
		},
	}
	if err := store.RecordPass(ctx, report); err != nil {
		t.Fatalf("RecordPass failed: %v", err)
	}

	pass, err := store.GetPass(ctx, "pass-1")
	if err != nil {
		t.Fatalf("GetPass failed: %v", err)
	}
	if pass.PlanID != "plan-1" || pass.Status != engine.PassStatusDegraded {
		t.Errorf("pass mismatch: %+v", pass)
	}
	if pass.Succeeded != 1 || pass.Failed != 1 {
		t.Errorf("expected 1 succeeded / 1 failed, got %d / %d", pass.Succeeded, pass.Failed)
	}

	actions, err := store.ListActionsByPass(ctx, "pass-1")
	if err != nil {
		t.Fatalf("ListActionsByPass failed: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 action records, got %d", len(actions))
	}

	passes, err := store.ListPasses(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListPasses failed: %v", err)
	}
	if len(passes) != 1 {
		t.Errorf("expected 1 pass, got %d", len(passes))
	}
}

func TestSQLiteStore_EventsAndAudit(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	node := "node-1"
	if err := store.AppendEvent(ctx, &EventRecord{
		Type:      "join.completed",
		Level:     "info",
		Node:      &node,
		Message:   "node joined",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	if err := store.AppendEvent(ctx, &EventRecord{
		Type:      "drift.detected",
		Level:     "warning",
		Message:   "drift detected",
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := store.GetEvents(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}

	drift := "drift.detected"
	events, err = store.GetEvents(ctx, &drift, 10, 0)
	if err != nil {
		t.Fatalf("filtered GetEvents failed: %v", err)
	}
	if len(events) != 1 || events[0].Type != drift {
		t.Errorf("expected only drift events, got %+v", events)
	}

	target := "plan-1"
	if err := store.CreateAuditEntry(ctx, &AuditEntry{
		Action:    "sync.applied",
		Actor:     "operator",
		TargetID:  &target,
		Timestamp: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("CreateAuditEntry failed: %v", err)
	}
	entries, err := store.ListAuditEntries(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListAuditEntries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "sync.applied" {
		t.Errorf("audit mismatch: %+v", entries)
	}
}

func TestSQLiteStore_HealthCheck(t *testing.T) {
	store := testStore(t)
	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
