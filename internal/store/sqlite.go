package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/repo-agent/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db           *sql.DB
	checkpointMu sync.Mutex // serialises checkpoint writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id TEXT PRIMARY KEY,
		state_json TEXT NOT NULL,
		step_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at);

	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		owner TEXT NOT NULL,
		repo TEXT NOT NULL,
		ref TEXT,
		status TEXT NOT NULL,
		iterations INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_runs_thread ON runs(thread_id, started_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the checkpoint of a thread.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	query := `
		SELECT thread_id, state_json, step_count, created_at, updated_at
		FROM checkpoints WHERE thread_id = ?`

	row := s.db.QueryRowContext(ctx, query, threadID)

	var cp domain.Checkpoint
	var createdAt, updatedAt int64
	err := row.Scan(&cp.ThreadID, &cp.StateJSON, &cp.StepCount, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}

	cp.CreatedAt = time.Unix(createdAt, 0)
	cp.UpdatedAt = time.Unix(updatedAt, 0)
	return &cp, nil
}

// SaveCheckpoint creates or replaces a checkpoint. The original created_at is
// kept on update.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	query := `
		INSERT INTO checkpoints (thread_id, state_json, step_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			state_json = excluded.state_json,
			step_count = excluded.step_count,
			updated_at = excluded.updated_at`

	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return withBusyRetry(ctx, "save checkpoint", busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			cp.ThreadID, cp.StateJSON, cp.StepCount, createdAt.Unix(), updatedAt.Unix())
		return err
	})
}

// DeleteCheckpoint removes the checkpoint of a thread.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, threadID string) error {
	s.checkpointMu.Lock()
	defer s.checkpointMu.Unlock()

	return withBusyRetry(ctx, "delete checkpoint "+threadID, busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ?`, threadID)
		return err
	})
}

// ExpiredCheckpoints returns threads idle for longer than ttl.
func (s *SQLiteStore) ExpiredCheckpoints(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx, `SELECT thread_id FROM checkpoints WHERE updated_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired checkpoints: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired checkpoint rows", "error", closeErr)
		}
	}()

	var threads []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired checkpoint row: %w", err)
		}
		threads = append(threads, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired checkpoints: %w", err)
	}
	return threads, nil
}

// RecordRun creates or updates a run history entry.
func (s *SQLiteStore) RecordRun(ctx context.Context, run *domain.RunRecord) error {
	query := `
		INSERT INTO runs (run_id, thread_id, owner, repo, ref, status, iterations, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			iterations = excluded.iterations,
			error = excluded.error,
			finished_at = excluded.finished_at`

	var ref, runErr, finishedAt interface{}
	if run.Ref != "" {
		ref = run.Ref
	}
	if run.Error != "" {
		runErr = run.Error
	}
	if run.FinishedAt != nil {
		finishedAt = run.FinishedAt.Unix()
	}

	return withBusyRetry(ctx, "record run", busyRetries, busyBaseDelay, func() error {
		_, err := s.db.ExecContext(ctx, query,
			run.ID, run.ThreadID, run.Owner, run.Repo, ref,
			string(run.Status), run.Iterations, runErr,
			run.StartedAt.Unix(), finishedAt,
		)
		return err
	})
}

// ListRuns returns the most recent runs of a thread, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, threadID string, limit int) ([]*domain.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT run_id, thread_id, owner, repo, ref, status, iterations, error, started_at, finished_at
		FROM runs WHERE thread_id = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close run rows", "error", closeErr)
		}
	}()

	runs := []*domain.RunRecord{}
	for rows.Next() {
		var run domain.RunRecord
		var ref, runErr sql.NullString
		var status string
		var startedAt int64
		var finishedAt sql.NullInt64

		if err := rows.Scan(
			&run.ID, &run.ThreadID, &run.Owner, &run.Repo, &ref,
			&status, &run.Iterations, &runErr, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}

		run.Ref = ref.String
		run.Status = domain.RunStatus(status)
		run.Error = runErr.String
		run.StartedAt = time.Unix(startedAt, 0)
		if finishedAt.Valid {
			ts := time.Unix(finishedAt.Int64, 0)
			run.FinishedAt = &ts
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// CleanupOldRuns removes run records older than age.
func (s *SQLiteStore) CleanupOldRuns(ctx context.Context, age time.Duration) (int64, error) {
	threshold := time.Now().Add(-age).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup old runs: %w", err)
	}
	return result.RowsAffected()
}
