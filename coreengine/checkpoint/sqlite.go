package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// SQLiteStore keeps snapshots in a SQLite database, one row per run.
type SQLiteStore struct {
	db *sqlx.DB
}

var pragmaStatements = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
}

// NewSQLiteStore opens (and if needed creates) a checkpoint database at dsn.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serializes writers and keeps in-memory databases alive.
	db.SetMaxOpenConns(1)

	for _, stmt := range pragmaStatements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
run_id TEXT PRIMARY KEY,
phase TEXT NOT NULL,
current_stage TEXT NOT NULL DEFAULT '',
error_count INTEGER NOT NULL DEFAULT 0,
state TEXT NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Name returns the backend name.
func (s *SQLiteStore) Name() string { return BackendSQLite }

// Save upserts the snapshot for runID.
func (s *SQLiteStore) Save(ctx context.Context, runID string, run kernel.Run) error {
	if runID == "" {
		return ErrEmptyRunID
	}
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run state: %w", err)
	}

	query := `INSERT INTO checkpoints (run_id, phase, current_stage, error_count, state, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?)
	          ON CONFLICT(run_id) DO UPDATE SET
	            phase = excluded.phase,
	            current_stage = excluded.current_stage,
	            error_count = excluded.error_count,
	            state = excluded.state,
	            updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		runID, string(run.Phase), string(run.CurrentStage), len(run.Errors), string(state), updatedAt(run))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the latest snapshot for runID.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (kernel.Run, error) {
	if runID == "" {
		return kernel.Run{}, ErrEmptyRunID
	}

	var state string
	err := s.db.GetContext(ctx, &state, `SELECT state FROM checkpoints WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return kernel.Run{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return kernel.Run{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var run kernel.Run
	if err := json.Unmarshal([]byte(state), &run); err != nil {
		return kernel.Run{}, fmt.Errorf("failed to unmarshal run state: %w", err)
	}
	return run, nil
}

// List returns up to limit summaries, most recently updated first.
// A non-positive limit returns every snapshot.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `SELECT run_id, phase, current_stage, error_count, updated_at
	          FROM checkpoints ORDER BY updated_at DESC, run_id ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var out []Summary
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if out == nil {
		out = []Summary{}
	}
	return out, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func updatedAt(run kernel.Run) time.Time {
	if run.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return run.UpdatedAt
}
