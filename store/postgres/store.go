// Package postgres implements hitlflow.Store on PostgreSQL for deployments
// where several engine processes share one database.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/hitlflow"
	"github.com/deepnoodle-ai/hitlflow/retry"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultMaxConns       = 10
	defaultConnectTimeout = 5 * time.Second
	defaultPingTimeout    = 3 * time.Second
)

// Config captures PostgreSQL store settings.
type Config struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration

	// SkipMigrations leaves schema management to an external tool.
	SkipMigrations bool
}

// Store persists runs and checkpoints in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ hitlflow.Store = (*Store)(nil)

// Open connects to the database, verifies the connection and applies
// migrations.
func Open(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	poolCfg.MaxConns = defaultMaxConns
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.ConnConfig.ConnectTimeout = defaultConnectTimeout
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if !cfg.SkipMigrations {
		if err := ApplyMigrations(ctx, cfg.DSN); err != nil {
			return nil, err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool, now: now}, nil
}

// Postgres keeps microseconds.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (s *Store) Save(ctx context.Context, run *hitlflow.Run) error {
	state, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("postgres: marshal run: %w", err)
	}
	const query = `
		INSERT INTO runs (run_id, workflow_name, status, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			workflow_name = EXCLUDED.workflow_name,
			status = EXCLUDED.status,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`
	if _, err := s.pool.Exec(ctx, query,
		run.ID,
		run.WorkflowName,
		string(run.Status),
		state,
		run.CreatedAt,
		run.UpdatedAt,
	); err != nil {
		return fmt.Errorf("postgres: save run %s: %w", run.ID, classify(err))
	}
	return nil
}

func (s *Store) Load(ctx context.Context, runID string) (*hitlflow.Run, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM runs WHERE run_id = $1`, runID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, hitlflow.ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load run %s: %w", runID, err)
	}
	var run hitlflow.Run
	if err := json.Unmarshal(state, &run); err != nil {
		return nil, fmt.Errorf("postgres: unmarshal run %s: %w", runID, err)
	}
	return &run, nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, runID string, snapshot *hitlflow.Run, reason string) (string, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal snapshot: %w", err)
	}
	var stage hitlflow.Stage
	if len(snapshot.Pending) > 0 {
		stage = snapshot.Pending[0]
	}
	id := hitlflow.NewCheckpointID()
	const query = `
		INSERT INTO checkpoints (checkpoint_id, run_id, stage, paused_reason, snapshot, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := s.pool.Exec(ctx, query, id, runID, string(stage), reason, data, s.now()); err != nil {
		return "", fmt.Errorf("postgres: create checkpoint for run %s: %w", runID, classify(err))
	}
	return id, nil
}

const selectCheckpoint = `
	SELECT checkpoint_id, run_id, stage, paused_reason, snapshot, created_at
	FROM checkpoints`

func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*hitlflow.CheckpointRecord, error) {
	row := s.pool.QueryRow(ctx,
		selectCheckpoint+` WHERE checkpoint_id = $1 AND consumed_at IS NULL`, checkpointID)
	record, err := scanCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, hitlflow.ErrUnknownCheckpoint
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get checkpoint %s: %w", checkpointID, err)
	}
	return record, nil
}

// ConsumeCheckpoint is a single conditional update; concurrent callers across
// processes race on the row lock and only one sees it unconsumed.
func (s *Store) ConsumeCheckpoint(ctx context.Context, checkpointID string) (string, error) {
	var runID string
	err := s.pool.QueryRow(ctx, `
		UPDATE checkpoints SET consumed_at = $1
		WHERE checkpoint_id = $2 AND consumed_at IS NULL
		RETURNING run_id`,
		s.now(), checkpointID,
	).Scan(&runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", hitlflow.ErrUnknownCheckpoint
	}
	if err != nil {
		return "", fmt.Errorf("postgres: consume checkpoint %s: %w", checkpointID, classify(err))
	}
	return runID, nil
}

func (s *Store) PendingCheckpoints(ctx context.Context) ([]*hitlflow.CheckpointRecord, error) {
	rows, err := s.pool.Query(ctx,
		selectCheckpoint+` WHERE consumed_at IS NULL ORDER BY created_at, checkpoint_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending checkpoints: %w", err)
	}
	defer rows.Close()
	var records []*hitlflow.CheckpointRecord
	for rows.Next() {
		record, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan checkpoint: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *Store) ListRuns(ctx context.Context) ([]*hitlflow.RunSummary, error) {
	rows, err := s.pool.Query(ctx, `SELECT state FROM runs ORDER BY created_at DESC, run_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()
	summaries := []*hitlflow.RunSummary{}
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		var run hitlflow.Run
		if err := json.Unmarshal(state, &run); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal run: %w", err)
		}
		summaries = append(summaries, run.Summary())
	}
	return summaries, rows.Err()
}

// Close shuts down the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanCheckpoint(row pgx.Row) (*hitlflow.CheckpointRecord, error) {
	var (
		record   hitlflow.CheckpointRecord
		stage    string
		snapshot []byte
	)
	if err := row.Scan(&record.ID, &record.RunID, &stage, &record.PausedReason, &snapshot, &record.CreatedAt); err != nil {
		return nil, err
	}
	record.Stage = hitlflow.Stage(stage)
	var run hitlflow.Run
	if err := json.Unmarshal(snapshot, &run); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	record.Snapshot = &run
	return &record, nil
}

// classify marks serialization failures, deadlocks and connection pressure as
// recoverable and integrity violations as final so the engine's write retries
// act on them.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgerrcode.IsTransactionRollback(pgErr.Code),
		pgErr.Code == pgerrcode.TooManyConnections,
		pgErr.Code == pgerrcode.CannotConnectNow,
		pgErr.Code == pgerrcode.LockNotAvailable:
		return retry.NewRecoverableError(err)
	case pgerrcode.IsIntegrityConstraintViolation(pgErr.Code):
		return retry.NewNonRecoverableError(err)
	}
	return err
}
