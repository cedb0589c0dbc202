// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/repo-agent/internal/domain"
)

// Repository defines the interface for persisting workflow checkpoints and run history.
type Repository interface {
	// GetCheckpoint retrieves the checkpoint of a thread. It returns nil, nil
	// when the thread has none.
	GetCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error)

	// SaveCheckpoint creates or replaces the checkpoint of a thread.
	SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error

	// DeleteCheckpoint removes the checkpoint of a thread.
	DeleteCheckpoint(ctx context.Context, threadID string) error

	// ExpiredCheckpoints returns the threads whose checkpoint has not been
	// updated within ttl.
	ExpiredCheckpoints(ctx context.Context, ttl time.Duration) ([]string, error)

	// RecordRun creates or updates a run history entry.
	RecordRun(ctx context.Context, run *domain.RunRecord) error

	// ListRuns returns the most recent runs of a thread, newest first.
	ListRuns(ctx context.Context, threadID string, limit int) ([]*domain.RunRecord, error)

	// CleanupOldRuns removes run records started before now minus age.
	CleanupOldRuns(ctx context.Context, age time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
