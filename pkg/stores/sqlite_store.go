package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/helmstead/helmstead/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// BeginTx starts a transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// UpsertNode creates or replaces a node record.
func (s *SQLiteStore) UpsertNode(ctx context.Context, node *engine.Node) error {
	query := `
		INSERT INTO nodes (id, address, role, state, message, last_heartbeat, declared_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			address = excluded.address,
			role = excluded.role,
			state = excluded.state,
			message = excluded.message,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at
	`

	var heartbeat *time.Time
	if !node.LastHeartbeat.IsZero() {
		heartbeat = &node.LastHeartbeat
	}

	_, err := s.db.ExecContext(ctx, query,
		node.ID,
		node.Address,
		node.Role,
		node.State,
		node.Message,
		heartbeat,
		node.DeclaredAt,
		node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert node: %w", err)
	}
	return nil
}

// GetNode retrieves a node by ID.
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*engine.Node, error) {
	query := `
		SELECT id, address, role, state, message, last_heartbeat, declared_at, updated_at
		FROM nodes
		WHERE id = ?
	`

	node := &engine.Node{}
	var heartbeat sql.NullTime
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&node.ID,
		&node.Address,
		&node.Role,
		&node.State,
		&node.Message,
		&heartbeat,
		&node.DeclaredAt,
		&node.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("node not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}
	if heartbeat.Valid {
		node.LastHeartbeat = heartbeat.Time
	}
	return node, nil
}

// ListNodes returns all node records ordered by ID.
func (s *SQLiteStore) ListNodes(ctx context.Context) ([]*engine.Node, error) {
	query := `
		SELECT id, address, role, state, message, last_heartbeat, declared_at, updated_at
		FROM nodes
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*engine.Node
	for rows.Next() {
		node := &engine.Node{}
		var heartbeat sql.NullTime
		if err := rows.Scan(
			&node.ID,
			&node.Address,
			&node.Role,
			&node.State,
			&node.Message,
			&heartbeat,
			&node.DeclaredAt,
			&node.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		if heartbeat.Valid {
			node.LastHeartbeat = heartbeat.Time
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CreateJoinToken persists an issued join grant.
func (s *SQLiteStore) CreateJoinToken(ctx context.Context, grant *engine.JoinGrant) error {
	query := `
		INSERT INTO join_tokens (token, node_id, controller_id, ca_fingerprint, used, issued_at, expires_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		grant.Token,
		grant.NodeID,
		grant.ControllerID,
		grant.CAFingerprint,
		grant.IssuedAt,
		grant.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create join token: %w", err)
	}
	return nil
}

// GetJoinToken retrieves a token record.
func (s *SQLiteStore) GetJoinToken(ctx context.Context, token string) (*JoinTokenRecord, error) {
	query := `
		SELECT token, node_id, controller_id, ca_fingerprint, used, issued_at, expires_at
		FROM join_tokens
		WHERE token = ?
	`

	rec := &JoinTokenRecord{}
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&rec.Token,
		&rec.NodeID,
		&rec.ControllerID,
		&rec.CAFingerprint,
		&rec.Used,
		&rec.IssuedAt,
		&rec.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("join token not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get join token: %w", err)
	}
	return rec, nil
}

// SaveJoinToken implements engine.TokenStore.
func (s *SQLiteStore) SaveJoinToken(ctx context.Context, grant *engine.JoinGrant) error {
	return s.CreateJoinToken(ctx, grant)
}

// LookupJoinToken implements engine.TokenStore. A missing token is
// reported as a nil grant, not an error.
func (s *SQLiteStore) LookupJoinToken(ctx context.Context, token string) (*engine.JoinGrant, bool, error) {
	rec, err := s.GetJoinToken(ctx, token)
	if err != nil {
		return nil, false, nil
	}
	return &engine.JoinGrant{
		NodeID:        rec.NodeID,
		Token:         rec.Token,
		ControllerID:  rec.ControllerID,
		CAFingerprint: rec.CAFingerprint,
		IssuedAt:      rec.IssuedAt,
		ExpiresAt:     rec.ExpiresAt,
	}, rec.Used, nil
}

// MarkJoinTokenUsed consumes a token.
func (s *SQLiteStore) MarkJoinTokenUsed(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE join_tokens SET used = 1 WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to mark join token used: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("join token not found")
	}
	return nil
}

// InvalidateNodeTokens implements engine.TokenStore. It deletes every
// token issued for the node, superseded by a reissue.
func (s *SQLiteStore) InvalidateNodeTokens(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM join_tokens WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("failed to invalidate join tokens for node %s: %w", nodeID, err)
	}
	return nil
}

// DeleteExpiredJoinTokens removes tokens past their expiry.
func (s *SQLiteStore) DeleteExpiredJoinTokens(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM join_tokens WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired join tokens: %w", err)
	}
	return result.RowsAffected()
}

// ListSourceGenerations implements source.GenerationStore. Used to seed
// the file source's hash-to-generation records at startup.
func (s *SQLiteStore) ListSourceGenerations(ctx context.Context) ([]engine.SourceGeneration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, hash, generation FROM source_generations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list source generations: %w", err)
	}
	defer rows.Close()

	var records []engine.SourceGeneration
	for rows.Next() {
		var rec engine.SourceGeneration
		if err := rows.Scan(&rec.Name, &rec.Hash, &rec.Generation); err != nil {
			return nil, fmt.Errorf("failed to scan source generation: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertSourceGeneration implements source.GenerationStore.
func (s *SQLiteStore) UpsertSourceGeneration(ctx context.Context, rec engine.SourceGeneration) error {
	query := `
		INSERT INTO source_generations (name, hash, generation, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			hash = excluded.hash,
			generation = excluded.generation,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, rec.Name, rec.Hash, rec.Generation, time.Now()); err != nil {
		return fmt.Errorf("failed to upsert source generation: %w", err)
	}
	return nil
}

// RecordApplied upserts an applied-workload record. Writes that would
// move a generation backwards are rejected, mirroring the in-memory
// record's monotonicity guarantee.
func (s *SQLiteStore) RecordApplied(ctx context.Context, workload engine.AppliedWorkload) error {
	query := `
		INSERT INTO applied_workloads (name, generation, image, replicas, ready_replicas, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			generation = excluded.generation,
			image = excluded.image,
			replicas = excluded.replicas,
			ready_replicas = excluded.ready_replicas,
			updated_at = excluded.updated_at
		WHERE excluded.generation >= applied_workloads.generation
	`

	_, err := s.db.ExecContext(ctx, query,
		workload.Name,
		workload.Generation,
		workload.Image,
		workload.Replicas,
		workload.ReadyReplicas,
		workload.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record applied workload: %w", err)
	}
	return nil
}

// RemoveApplied drops an applied-workload record.
func (s *SQLiteStore) RemoveApplied(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM applied_workloads WHERE name = ?`, name); err != nil {
		return fmt.Errorf("failed to remove applied workload: %w", err)
	}
	return nil
}

// GetApplied retrieves one applied-workload record.
func (s *SQLiteStore) GetApplied(ctx context.Context, name string) (*engine.AppliedWorkload, error) {
	query := `
		SELECT name, generation, image, replicas, ready_replicas, updated_at
		FROM applied_workloads
		WHERE name = ?
	`

	w := &engine.AppliedWorkload{}
	err := s.db.QueryRowContext(ctx, query, name).Scan(
		&w.Name,
		&w.Generation,
		&w.Image,
		&w.Replicas,
		&w.ReadyReplicas,
		&w.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("applied workload not found: %s", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get applied workload: %w", err)
	}
	return w, nil
}

// ListApplied returns all applied-workload records, ordered by name. Used
// to seed the in-memory record at startup.
func (s *SQLiteStore) ListApplied(ctx context.Context) ([]engine.AppliedWorkload, error) {
	query := `
		SELECT name, generation, image, replicas, ready_replicas, updated_at
		FROM applied_workloads
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list applied workloads: %w", err)
	}
	defer rows.Close()

	var out []engine.AppliedWorkload
	for rows.Next() {
		var w engine.AppliedWorkload
		if err := rows.Scan(&w.Name, &w.Generation, &w.Image, &w.Replicas, &w.ReadyReplicas, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan applied workload: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// RecordPass persists a pass summary and its action results in one
// transaction.
func (s *SQLiteStore) RecordPass(ctx context.Context, report *engine.ApplyReport) error {
	orphans, err := json.Marshal(report.Orphans)
	if err != nil {
		return fmt.Errorf("failed to marshal orphans: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO passes (id, plan_id, status, succeeded, failed, orphans, started_at, completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		report.PassID,
		report.PlanID,
		report.Status,
		report.Succeeded(),
		len(report.Failures()),
		string(orphans),
		report.StartedAt,
		report.CompletedAt,
		report.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to create pass: %w", err)
	}

	for _, res := range report.Results {
		var errMsg *string
		if res.Error != nil {
			msg := res.Error.Error()
			errMsg = &msg
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO action_results (pass_id, action_id, workload, type, status, attempts, error, started_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			report.PassID,
			res.ActionID,
			res.Workload,
			res.Type,
			res.Status,
			res.Attempts,
			errMsg,
			res.StartedAt,
			res.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create action result: %w", err)
		}
	}
	return tx.Commit()
}

// GetPass retrieves a pass summary by ID.
func (s *SQLiteStore) GetPass(ctx context.Context, id string) (*PassRecord, error) {
	query := `
		SELECT id, plan_id, status, succeeded, failed, orphans, started_at, completed_at, duration_ms
		FROM passes
		WHERE id = ?
	`

	rec := &PassRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.PlanID,
		&rec.Status,
		&rec.Succeeded,
		&rec.Failed,
		&rec.Orphans,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.DurationMS,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pass not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pass: %w", err)
	}
	return rec, nil
}

// ListPasses lists pass summaries with pagination, newest first.
func (s *SQLiteStore) ListPasses(ctx context.Context, limit, offset int) ([]*PassRecord, error) {
	query := `
		SELECT id, plan_id, status, succeeded, failed, orphans, started_at, completed_at, duration_ms
		FROM passes
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list passes: %w", err)
	}
	defer rows.Close()

	var out []*PassRecord
	for rows.Next() {
		rec := &PassRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.PlanID,
			&rec.Status,
			&rec.Succeeded,
			&rec.Failed,
			&rec.Orphans,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.DurationMS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan pass: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListActionsByPass returns a pass's action results ordered by start time.
func (s *SQLiteStore) ListActionsByPass(ctx context.Context, passID string) ([]*ActionRecord, error) {
	query := `
		SELECT id, pass_id, action_id, workload, type, status, attempts, error, started_at, completed_at
		FROM action_results
		WHERE pass_id = ?
		ORDER BY started_at
	`

	rows, err := s.db.QueryContext(ctx, query, passID)
	if err != nil {
		return nil, fmt.Errorf("failed to list action results: %w", err)
	}
	defer rows.Close()

	var out []*ActionRecord
	for rows.Next() {
		rec := &ActionRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.PassID,
			&rec.ActionID,
			&rec.Workload,
			&rec.Type,
			&rec.Status,
			&rec.Attempts,
			&rec.Error,
			&rec.StartedAt,
			&rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan action result: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendEvent appends an event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	query := `
		INSERT INTO events (type, level, node, workload, pass_id, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.Type,
		event.Level,
		event.Node,
		event.Workload,
		event.PassID,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		event.ID = id
	}
	return nil
}

// GetEvents lists events with optional type filtering, newest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, eventType *string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, type, level, node, workload, pass_id, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR type = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		rec := &EventRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.Type,
			&rec.Level,
			&rec.Node,
			&rec.Workload,
			&rec.PassID,
			&rec.Message,
			&rec.Details,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateAuditEntry records an operator action.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	query := `
		INSERT INTO audit_entries (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	if id, err := result.LastInsertId(); err == nil {
		entry.ID = id
	}
	return nil
}

// ListAuditEntries lists audit entries with optional action filtering.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit_entries
		WHERE (? IS NULL OR action = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		rec := &AuditEntry{}
		if err := rows.Scan(
			&rec.ID,
			&rec.Action,
			&rec.Actor,
			&rec.TargetID,
			&rec.Details,
			&rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
