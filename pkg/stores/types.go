package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/helmstead/helmstead/pkg/engine"
)

// JoinTokenRecord is the persisted form of an issued join grant.
type JoinTokenRecord struct {
	Token         string    `json:"token"`
	NodeID        string    `json:"node_id"`
	ControllerID  string    `json:"controller_id"`
	CAFingerprint string    `json:"ca_fingerprint"`
	Used          bool      `json:"used"`
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PassRecord summarizes one reconciliation pass.
type PassRecord struct {
	ID          string            `json:"id"`
	PlanID      string            `json:"plan_id"`
	Status      engine.PassStatus `json:"status"`
	Succeeded   int               `json:"succeeded"`
	Failed      int               `json:"failed"`
	Orphans     string            `json:"orphans"` // JSON array of workload names
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	DurationMS  int64             `json:"duration_ms"`
}

// ActionRecord is the persisted outcome of one sync action.
type ActionRecord struct {
	ID          int64               `json:"id"`
	PassID      string              `json:"pass_id"`
	ActionID    string              `json:"action_id"`
	Workload    string              `json:"workload"`
	Type        engine.ActionType   `json:"type"`
	Status      engine.ActionStatus `json:"status"`
	Attempts    int                 `json:"attempts"`
	Error       *string             `json:"error,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

// EventRecord is an append-only log entry.
type EventRecord struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Node      *string   `json:"node,omitempty"`
	Workload  *string   `json:"workload,omitempty"`
	PassID    *string   `json:"pass_id,omitempty"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// AuditEntry records an operator-initiated action.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"` // e.g. "join.requested", "node.decommissioned"
	Actor     string    `json:"actor"`
	TargetID  *string   `json:"target_id,omitempty"`
	Details   *string   `json:"details,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the persistence layer. The SQLite store also implements
// engine.PassRecorder through RecordPass, RecordApplied, and
// RemoveApplied.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Node operations
	UpsertNode(ctx context.Context, node *engine.Node) error
	GetNode(ctx context.Context, id string) (*engine.Node, error)
	ListNodes(ctx context.Context) ([]*engine.Node, error)

	// Join token operations
	CreateJoinToken(ctx context.Context, grant *engine.JoinGrant) error
	GetJoinToken(ctx context.Context, token string) (*JoinTokenRecord, error)
	MarkJoinTokenUsed(ctx context.Context, token string) error
	DeleteExpiredJoinTokens(ctx context.Context, now time.Time) (int64, error)

	// Applied-state operations
	RecordApplied(ctx context.Context, workload engine.AppliedWorkload) error
	RemoveApplied(ctx context.Context, name string) error
	GetApplied(ctx context.Context, name string) (*engine.AppliedWorkload, error)
	ListApplied(ctx context.Context) ([]engine.AppliedWorkload, error)

	// Pass operations
	RecordPass(ctx context.Context, report *engine.ApplyReport) error
	GetPass(ctx context.Context, id string) (*PassRecord, error)
	ListPasses(ctx context.Context, limit, offset int) ([]*PassRecord, error)
	ListActionsByPass(ctx context.Context, passID string) ([]*ActionRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, eventType *string, limit, offset int) ([]*EventRecord, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
