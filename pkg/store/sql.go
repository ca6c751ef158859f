package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flockmesh/flockmesh/pkg/contracts"
)

// Dialect selects placeholder style and connection tuning for a SQL backend.
type Dialect int

// Supported SQL dialects.
const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// rebind rewrites ? placeholders to $n for postgres; sqlite takes them
// verbatim.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// SQLStore implements Store over database/sql. Each entity lives in a single
// table: a JSON payload column plus the scalar columns queries filter and
// sort on.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// NewSQLStore wraps an open database handle and runs migrations.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides time acquisition for deterministic tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

// Close releases the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_workspace ON agents(workspace_id)`,
		`CREATE TABLE IF NOT EXISTS connector_bindings (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			connector_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_workspace ON connector_bindings(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bindings_connector ON connector_bindings(connector_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			playbook_id TEXT NOT NULL,
			status TEXT NOT NULL,
			revision BIGINT NOT NULL,
			payload TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workspace ON runs(workspace_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
		`CREATE TABLE IF NOT EXISTS idempotency_results (
			key TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) now() string {
	return s.clock().UTC().Format(time.RFC3339Nano)
}

// SaveAgent upserts an agent profile.
func (s *SQLStore) SaveAgent(ctx context.Context, agent *contracts.AgentProfile) error {
	payload, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("store: marshal agent: %w", err)
	}
	query := s.dialect.rebind(`INSERT INTO agents (id, workspace_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, agent.ID, agent.WorkspaceID, string(agent.Status), string(payload), s.now()); err != nil {
		return fmt.Errorf("store: save agent %s: %w", agent.ID, err)
	}
	return nil
}

// GetAgent returns the agent by id.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*contracts.AgentProfile, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT payload FROM agents WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent %s: %w", id, err)
	}
	var agent contracts.AgentProfile
	if err := json.Unmarshal([]byte(payload), &agent); err != nil {
		return nil, fmt.Errorf("store: decode agent %s: %w", id, err)
	}
	return &agent, nil
}

// ListAgents returns agents, optionally filtered by workspace, newest first.
func (s *SQLStore) ListAgents(ctx context.Context, workspaceID string) ([]*contracts.AgentProfile, error) {
	query := `SELECT payload FROM agents`
	args := []any{}
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.AgentProfile
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		var agent contracts.AgentProfile
		if err := json.Unmarshal([]byte(payload), &agent); err != nil {
			return nil, fmt.Errorf("store: decode agent: %w", err)
		}
		out = append(out, &agent)
	}
	return out, rows.Err()
}

// SaveBinding upserts a connector binding.
func (s *SQLStore) SaveBinding(ctx context.Context, binding *contracts.ConnectorBinding) error {
	payload, err := json.Marshal(binding)
	if err != nil {
		return fmt.Errorf("store: marshal binding: %w", err)
	}
	query := s.dialect.rebind(`INSERT INTO connector_bindings (id, workspace_id, agent_id, connector_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			workspace_id = excluded.workspace_id,
			agent_id = excluded.agent_id,
			connector_id = excluded.connector_id,
			status = excluded.status,
			payload = excluded.payload,
			updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, binding.ID, binding.WorkspaceID, binding.AgentID, binding.ConnectorID, string(binding.Status), string(payload), s.now()); err != nil {
		return fmt.Errorf("store: save binding %s: %w", binding.ID, err)
	}
	return nil
}

// GetBinding returns the binding by id.
func (s *SQLStore) GetBinding(ctx context.Context, id string) (*contracts.ConnectorBinding, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT payload FROM connector_bindings WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get binding %s: %w", id, err)
	}
	var binding contracts.ConnectorBinding
	if err := json.Unmarshal([]byte(payload), &binding); err != nil {
		return nil, fmt.Errorf("store: decode binding %s: %w", id, err)
	}
	return &binding, nil
}

// ListBindings returns bindings, optionally filtered by workspace.
func (s *SQLStore) ListBindings(ctx context.Context, workspaceID string) ([]*contracts.ConnectorBinding, error) {
	query := `SELECT payload FROM connector_bindings`
	args := []any{}
	if workspaceID != "" {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}
	query += ` ORDER BY updated_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list bindings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ConnectorBinding
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan binding: %w", err)
		}
		var binding contracts.ConnectorBinding
		if err := json.Unmarshal([]byte(payload), &binding); err != nil {
			return nil, fmt.Errorf("store: decode binding: %w", err)
		}
		out = append(out, &binding)
	}
	return out, rows.Err()
}

// SaveRun applies the revision CAS contract inside a transaction: read the
// current revision, compare, then insert at revision 1 or update to
// current+1. The guarded UPDATE re-checks the revision so two racing writers
// cannot both pass.
func (s *SQLStore) SaveRun(ctx context.Context, run *contracts.RunRecord, expectedRevision int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin save run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(`SELECT revision FROM runs WHERE id = ?`), run.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if expectedRevision != 0 {
			return &RevisionConflictError{RunID: run.ID, Expected: expectedRevision, Current: 0}
		}
		next := run.Revision
		if next <= 0 {
			next = 1
		}
		payload, merr := marshalRunAt(run, next)
		if merr != nil {
			return merr
		}
		_, err = tx.ExecContext(ctx, s.dialect.rebind(`INSERT INTO runs
			(id, workspace_id, agent_id, playbook_id, status, revision, payload, started_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			run.ID, run.WorkspaceID, run.AgentID, run.PlaybookID, string(run.Status), next,
			payload, run.StartedAt.UTC().Format(time.RFC3339Nano), s.now())
		if err != nil {
			return fmt.Errorf("store: insert run %s: %w", run.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit run %s: %w", run.ID, err)
		}
		run.Revision = next
		return nil

	case err != nil:
		return fmt.Errorf("store: read run revision %s: %w", run.ID, err)
	}

	if expectedRevision != current {
		return &RevisionConflictError{RunID: run.ID, Expected: expectedRevision, Current: current}
	}
	next := current + 1
	payload, merr := marshalRunAt(run, next)
	if merr != nil {
		return merr
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`UPDATE runs
		SET workspace_id = ?, agent_id = ?, playbook_id = ?, status = ?, revision = ?, payload = ?, updated_at = ?
		WHERE id = ? AND revision = ?`),
		run.WorkspaceID, run.AgentID, run.PlaybookID, string(run.Status), next,
		payload, s.now(), run.ID, current)
	if err != nil {
		return fmt.Errorf("store: update run %s: %w", run.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update run %s: %w", run.ID, err)
	}
	if affected == 0 {
		return &RevisionConflictError{RunID: run.ID, Expected: expectedRevision, Current: current}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit run %s: %w", run.ID, err)
	}
	run.Revision = next
	return nil
}

func marshalRunAt(run *contracts.RunRecord, revision int64) (string, error) {
	cp := run.Clone()
	cp.Revision = revision
	payload, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("store: marshal run %s: %w", run.ID, err)
	}
	return string(payload), nil
}

// GetRun returns the latest persisted run record.
func (s *SQLStore) GetRun(ctx context.Context, id string) (*contracts.RunRecord, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT payload FROM runs WHERE id = ?`), id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get run %s: %w", id, err)
	}
	var run contracts.RunRecord
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return nil, fmt.Errorf("store: decode run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns runs matching the query, most recent first.
func (s *SQLStore) ListRuns(ctx context.Context, q ListRunsQuery) ([]*contracts.RunRecord, error) {
	query := `SELECT payload FROM runs`
	var clauses []string
	var args []any
	if q.WorkspaceID != "" {
		clauses = append(clauses, `workspace_id = ?`)
		args = append(args, q.WorkspaceID)
	}
	if q.AgentID != "" {
		clauses = append(clauses, `agent_id = ?`)
		args = append(args, q.AgentID)
	}
	if q.PlaybookID != "" {
		clauses = append(clauses, `playbook_id = ?`)
		args = append(args, q.PlaybookID)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("store: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RunRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		var run contracts.RunRecord
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("store: decode run: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// GetIdempotencyResult returns the record for key.
func (s *SQLStore) GetIdempotencyResult(ctx context.Context, key string) (*contracts.IdempotencyResult, error) {
	var runID, payload, createdAt string
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT run_id, payload, created_at FROM idempotency_results WHERE key = ?`), key).
		Scan(&runID, &payload, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get idempotency %s: %w", key, err)
	}
	result := &contracts.IdempotencyResult{Key: key, RunID: runID, CreatedAt: parseTime(createdAt)}
	if err := json.Unmarshal([]byte(payload), &result.Payload); err != nil {
		return nil, fmt.Errorf("store: decode idempotency %s: %w", key, err)
	}
	return result, nil
}

// PutIdempotencyResult inserts the record if the key is free; when a
// concurrent writer already claimed it, the stored record is read back and
// returned so the caller observes the winner's payload.
func (s *SQLStore) PutIdempotencyResult(ctx context.Context, result *contracts.IdempotencyResult) (*contracts.IdempotencyResult, error) {
	if result.CreatedAt.IsZero() {
		result.CreatedAt = s.clock().UTC()
	}
	payload, err := json.Marshal(result.Payload)
	if err != nil {
		return nil, fmt.Errorf("store: marshal idempotency %s: %w", result.Key, err)
	}
	_, err = s.db.ExecContext(ctx, s.dialect.rebind(
		`INSERT INTO idempotency_results (key, run_id, payload, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO NOTHING`),
		result.Key, result.RunID, string(payload), result.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("store: put idempotency %s: %w", result.Key, err)
	}
	return s.GetIdempotencyResult(ctx, result.Key)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
