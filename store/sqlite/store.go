// Package sqlite implements hitlflow.Store on an embedded SQLite database.
// It is the default backend: a single file that survives process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/retry"
	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const defaultBusyTimeout = 5 * time.Second

// Config captures SQLite store settings.
type Config struct {
	// Path is the database location or ":memory:" for a private in-process
	// database.
	Path string

	// BusyTimeout configures sqlite busy timeout via PRAGMA busy_timeout.
	BusyTimeout time.Duration
}

// Store persists runs and checkpoints in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ hitlflow.Store = (*Store)(nil)

// Open opens or creates the database at cfg.Path and applies migrations.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	db, err := sql.Open("sqlite", buildDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps writers queued
	// instead of failing with SQLITE_BUSY and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping database: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func buildDSN(cfg *Config) string {
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("_pragma=busy_timeout(%d)", timeout.Milliseconds()),
		"_pragma=foreign_keys(1)",
	}
	if cfg.Path == ":memory:" {
		return "file::memory:?" + strings.Join(pragmas, "&")
	}
	pragmas = append(pragmas, "_pragma=journal_mode(WAL)")
	return "file:" + cfg.Path + "?" + strings.Join(pragmas, "&")
}

func (s *Store) Save(ctx context.Context, run *hitlflow.Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run: %w", err)
	}
	const query = `
		INSERT INTO runs (run_id, workflow_name, status, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			status = excluded.status,
			state = excluded.state,
			updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.WorkflowName,
		string(run.Status),
		string(state),
		run.CreatedAt.UnixNano(),
		run.UpdatedAt.UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite: save run %s: %w", run.ID, classify(err))
	}
	return nil
}

func (s *Store) Load(ctx context.Context, runID string) (*hitlflow.Run, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM runs WHERE run_id = ?`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hitlflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load run %s: %w", runID, err)
	}
	var run hitlflow.Run
	if err := json.Unmarshal([]byte(state), &run); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, runID string, snapshot *hitlflow.Run, reason string) (string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal snapshot: %w", err)
	}
	var stage hitlflow.Stage
	if len(snapshot.Pending) > 0 {
		stage = snapshot.Pending[0]
	}
	id := hitlflow.NewCheckpointID()
	const query = `
		INSERT INTO checkpoints (checkpoint_id, run_id, stage, paused_reason, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		id, runID, string(stage), reason, string(data), s.now().UnixNano(),
	); err != nil {
		return "", fmt.Errorf("sqlite: create checkpoint for run %s: %w", runID, classify(err))
	}
	return id, nil
}

const selectCheckpoint = `
	SELECT checkpoint_id, run_id, stage, paused_reason, snapshot, created_at
	FROM checkpoints`

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*hitlflow.CheckpointRecord, error) {
	row := s.db.QueryRowContext(ctx,
		selectCheckpoint+` WHERE checkpoint_id = ? AND consumed_at IS NULL`, checkpointID)
	record, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, hitlflow.ErrUnknownCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get checkpoint %s: %w", checkpointID, err)
	}
	return record, nil
}

// ConsumeCheckpoint relies on the conditional update being atomic: exactly one
// caller sees the row change from unconsumed to consumed.
func (s *Store) ConsumeCheckpoint(ctx context.Context, checkpointID string) (string, error) {
	var runID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE checkpoints SET consumed_at = ?
		WHERE checkpoint_id = ? AND consumed_at IS NULL
		RETURNING run_id`,
		s.now().UnixNano(), checkpointID,
	).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", hitlflow.ErrUnknownCheckpoint
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: consume checkpoint %s: %w", checkpointID, classify(err))
	}
	return runID, nil
}

func (s *Store) PendingCheckpoints(ctx context.Context) ([]*hitlflow.CheckpointRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		selectCheckpoint+` WHERE consumed_at IS NULL ORDER BY created_at, checkpoint_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list pending checkpoints: %w", err)
	}
	defer rows.Close()
	var records []*hitlflow.CheckpointRecord
	for rows.Next() {
		record, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context) ([]*hitlflow.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state FROM runs ORDER BY created_at DESC, run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()
	summaries := []*hitlflow.RunSummary{}
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		var run hitlflow.Run
		if err := json.Unmarshal([]byte(state), &run); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal run: %w", err)
		}
		summaries = append(summaries, run.Summary())
	}
	return summaries, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify marks lock contention as recoverable and constraint violations as
// final so the engine's write retries act on them.
func classify(err error) error {
	var sqliteErr *moderncsqlite.Error
	if !errors.As(err, &sqliteErr) {
		return err
	}
	switch sqliteErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return retry.NewRecoverableError(err)
	case sqlite3.SQLITE_CONSTRAINT:
		return retry.NewNonRecoverableError(err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*hitlflow.CheckpointRecord, error) {
	var (
		record    hitlflow.CheckpointRecord
		stage     string
		snapshot  string
		createdAt int64
	)
	if err := row.Scan(&record.ID, &record.RunID, &stage, &record.PausedReason, &snapshot, &createdAt); err != nil {
		return nil, err
	}
	record.Stage = hitlflow.Stage(stage)
	record.CreatedAt = time.Unix(0, createdAt)
	var run hitlflow.Run
	if err := json.Unmarshal([]byte(snapshot), &run); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	record.Snapshot = &run
	return &record, nil
}
