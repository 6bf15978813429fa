// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store implementation for single-node
// deployments. Run, suspension, merge, and loop state are persisted as
// whole-record JSON alongside the columns needed for lookups and ordering.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/cascade/pkg/engine"
	"github.com/tombee/cascade/pkg/errors"
)

// Compile-time interface assertion.
var _ engine.Store = (*Store)(nil)

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool `yaml:"wal"`
}

// Store is a SQLite-backed engine.Store.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_id ON runs(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS suspensions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			webhook_path TEXT,
			child_run_id TEXT,
			resolved INTEGER NOT NULL DEFAULT 0,
			resume_at TEXT,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_resume_at ON suspensions(resume_at) WHERE resolved = 0`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_webhook_path ON suspensions(webhook_path)`,
		`CREATE INDEX IF NOT EXISTS idx_suspensions_child_run_id ON suspensions(child_run_id)`,
		`CREATE TABLE IF NOT EXISTS merge_states (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS loop_states (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS pinned_data (
			workflow_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			state TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (workflow_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cost_records (
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			model TEXT NOT NULL,
			tokens_in INTEGER NOT NULL,
			tokens_out INTEGER NOT NULL,
			cost_usd REAL NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_records_run_id ON cost_records(run_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRun inserts a new run, failing if the id already exists.
func (s *Store) CreateRun(ctx context.Context, run *engine.Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, status, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), string(state),
		run.CreatedAt.UTC().Format(time.RFC3339Nano), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ValidationError{
				Field:   "run.id",
				Message: "run " + run.ID + " already exists",
			}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// SaveRun replaces the persisted state of an existing run.
func (s *Store) SaveRun(ctx context.Context, run *engine.Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET workflow_id = ?, status = ?, state = ?, updated_at = ? WHERE id = ?`,
		run.WorkflowID, string(run.Status), string(state),
		time.Now().UTC().Format(time.RFC3339Nano), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE id = ?`, id).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var run engine.Run
	if err := json.Unmarshal([]byte(state), &run); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &run, nil
}

// ListRuns lists runs newest-first with optional filtering.
func (s *Store) ListRuns(ctx context.Context, filter engine.RunFilter) ([]*engine.Run, error) {
	query := `SELECT state FROM runs WHERE 1=1`
	args := []any{}

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		var run engine.Run
		if err := json.Unmarshal([]byte(state), &run); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}

// CreateSuspension inserts a new suspension record.
func (s *Store) CreateSuspension(ctx context.Context, susp *engine.Suspension) error {
	state, err := json.Marshal(susp)
	if err != nil {
		return fmt.Errorf("failed to marshal suspension: %w", err)
	}

	var resumeAt any
	if susp.ResumeAt != nil {
		resumeAt = susp.ResumeAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO suspensions (id, run_id, webhook_path, child_run_id, resolved, resume_at, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		susp.ID, susp.RunID, nullString(susp.WebhookPath), nullString(susp.ChildRunID),
		boolToInt(susp.Resolved), resumeAt, string(state),
		susp.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ValidationError{
				Field:   "suspension.id",
				Message: "suspension " + susp.ID + " already exists",
			}
		}
		return fmt.Errorf("failed to create suspension: %w", err)
	}
	return nil
}

// GetSuspension retrieves a suspension by id.
func (s *Store) GetSuspension(ctx context.Context, id string) (*engine.Suspension, error) {
	return s.querySuspension(ctx, `SELECT state FROM suspensions WHERE id = ?`, id, id)
}

// GetSuspensionByPath finds the unresolved webhook suspension for a path.
func (s *Store) GetSuspensionByPath(ctx context.Context, webhookPath string) (*engine.Suspension, error) {
	return s.querySuspension(ctx,
		`SELECT state FROM suspensions WHERE webhook_path = ? AND resolved = 0`,
		webhookPath, webhookPath)
}

// GetSuspensionByChild finds the unresolved subworkflow suspension waiting
// on the given child run.
func (s *Store) GetSuspensionByChild(ctx context.Context, childRunID string) (*engine.Suspension, error) {
	return s.querySuspension(ctx,
		`SELECT state FROM suspensions WHERE child_run_id = ? AND resolved = 0`,
		childRunID, childRunID)
}

func (s *Store) querySuspension(ctx context.Context, query, arg, notFoundID string) (*engine.Suspension, error) {
	var state string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "suspension", ID: notFoundID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suspension: %w", err)
	}

	var susp engine.Suspension
	if err := json.Unmarshal([]byte(state), &susp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suspension: %w", err)
	}
	return &susp, nil
}

// ResolveSuspension marks a suspension consumed with the given payload.
// Resolution is first-writer-wins: the UPDATE is guarded on resolved = 0,
// so concurrent resumes race on a single row transition.
func (s *Store) ResolveSuspension(ctx context.Context, id string, payload map[string]any) (*engine.Suspension, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var state string
	var resolved int
	err = tx.QueryRowContext(ctx, `SELECT state, resolved FROM suspensions WHERE id = ?`, id).Scan(&state, &resolved)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "suspension", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get suspension: %w", err)
	}
	if resolved != 0 {
		return nil, &errors.ValidationError{
			Field:      "suspension",
			Message:    "suspension " + id + " is already resolved",
			Suggestion: "resume is first-writer-wins; later attempts are rejected",
		}
	}

	var susp engine.Suspension
	if err := json.Unmarshal([]byte(state), &susp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal suspension: %w", err)
	}

	now := time.Now().UTC()
	susp.Resolved = true
	susp.Payload = payload
	susp.ResolvedAt = &now

	newState, err := json.Marshal(&susp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal suspension: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE suspensions SET resolved = 1, state = ? WHERE id = ? AND resolved = 0`,
		string(newState), id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve suspension: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, &errors.ValidationError{
			Field:      "suspension",
			Message:    "suspension " + id + " is already resolved",
			Suggestion: "resume is first-writer-wins; later attempts are rejected",
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &susp, nil
}

// DueSuspensions returns unresolved suspensions whose ResumeAt has passed,
// earliest deadline first.
func (s *Store) DueSuspensions(ctx context.Context, now time.Time) ([]*engine.Suspension, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state FROM suspensions
		 WHERE resolved = 0 AND resume_at IS NOT NULL AND resume_at <= ?
		 ORDER BY resume_at ASC`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due suspensions: %w", err)
	}
	defer rows.Close()

	var due []*engine.Suspension
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("failed to scan suspension: %w", err)
		}
		var susp engine.Suspension
		if err := json.Unmarshal([]byte(state), &susp); err != nil {
			return nil, fmt.Errorf("failed to unmarshal suspension: %w", err)
		}
		due = append(due, &susp)
	}
	return due, rows.Err()
}

// SaveMergeState upserts merge coordination state for a node.
func (s *Store) SaveMergeState(ctx context.Context, ms *engine.MergeState) error {
	return s.upsertKeyed(ctx, "merge_states", "run_id", ms.RunID, ms.NodeID, ms)
}

// GetMergeState retrieves merge state for a node.
func (s *Store) GetMergeState(ctx context.Context, runID, nodeID string) (*engine.MergeState, error) {
	var ms engine.MergeState
	if err := s.getKeyed(ctx, "merge_states", "run_id", runID, nodeID, "merge state", &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

// SaveLoopState upserts loop iteration state for a node.
func (s *Store) SaveLoopState(ctx context.Context, ls *engine.LoopState) error {
	return s.upsertKeyed(ctx, "loop_states", "run_id", ls.RunID, ls.NodeID, ls)
}

// GetLoopState retrieves loop state for a node.
func (s *Store) GetLoopState(ctx context.Context, runID, nodeID string) (*engine.LoopState, error) {
	var ls engine.LoopState
	if err := s.getKeyed(ctx, "loop_states", "run_id", runID, nodeID, "loop state", &ls); err != nil {
		return nil, err
	}
	return &ls, nil
}

// SavePinnedData upserts pinned output for a workflow node.
func (s *Store) SavePinnedData(ctx context.Context, pin *engine.PinnedData) error {
	return s.upsertKeyed(ctx, "pinned_data", "workflow_id", pin.WorkflowID, pin.NodeID, pin)
}

// GetPinnedData retrieves pinned output for a workflow node.
func (s *Store) GetPinnedData(ctx context.Context, workflowID, nodeID string) (*engine.PinnedData, error) {
	var pin engine.PinnedData
	if err := s.getKeyed(ctx, "pinned_data", "workflow_id", workflowID, nodeID, "pinned data", &pin); err != nil {
		return nil, err
	}
	return &pin, nil
}

// DeletePinnedData removes pinned output for a workflow node.
func (s *Store) DeletePinnedData(ctx context.Context, workflowID, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pinned_data WHERE workflow_id = ? AND node_id = ?`,
		workflowID, nodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete pinned data: %w", err)
	}
	return nil
}

// RecordCost appends one accounted LLM call.
func (s *Store) RecordCost(ctx context.Context, rec *engine.CostRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_records (run_id, node_id, model, tokens_in, tokens_out, cost_usd, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.NodeID, rec.Model, rec.TokensIn, rec.TokensOut, rec.CostUSD,
		rec.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record cost: %w", err)
	}
	return nil
}

// ListCosts returns the cost records for a run in insertion order.
func (s *Store) ListCosts(ctx context.Context, runID string) ([]*engine.CostRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, model, tokens_in, tokens_out, cost_usd, recorded_at
		 FROM cost_records WHERE run_id = ? ORDER BY rowid ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list costs: %w", err)
	}
	defer rows.Close()

	var recs []*engine.CostRecord
	for rows.Next() {
		var rec engine.CostRecord
		var recordedAt string
		if err := rows.Scan(&rec.RunID, &rec.NodeID, &rec.Model, &rec.TokensIn, &rec.TokensOut, &rec.CostUSD, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost record: %w", err)
		}
		rec.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

// upsertKeyed writes a whole-record JSON blob keyed by (scope, node_id).
func (s *Store) upsertKeyed(ctx context.Context, table, scopeCol, scope, nodeID string, v any) error {
	state, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", table, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s, node_id, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (%s, node_id) DO UPDATE SET
			state = excluded.state,
			updated_at = excluded.updated_at
	`, table, scopeCol, scopeCol)

	_, err = s.db.ExecContext(ctx, query, scope, nodeID, string(state),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", table, err)
	}
	return nil
}

// getKeyed reads a whole-record JSON blob keyed by (scope, node_id).
func (s *Store) getKeyed(ctx context.Context, table, scopeCol, scope, nodeID, resource string, out any) error {
	query := fmt.Sprintf(`SELECT state FROM %s WHERE %s = ? AND node_id = ?`, table, scopeCol)

	var state string
	err := s.db.QueryRowContext(ctx, query, scope, nodeID).Scan(&state)
	if err == sql.ErrNoRows {
		return &errors.NotFoundError{Resource: resource, ID: scope + "/" + nodeID}
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", table, err)
	}
	if err := json.Unmarshal([]byte(state), out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", table, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc.org/sqlite reports constraint failures in the error text.
	return strings.Contains(err.Error(), "constraint failed")
}
