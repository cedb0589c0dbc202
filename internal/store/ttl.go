package store

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultCleanupInterval is how often the cleanup worker sweeps.
	DefaultCleanupInterval = 5 * time.Minute
	runRetention           = 7 * 24 * time.Hour
)

// CleanupCallback is called for every thread whose checkpoint the worker removed.
type CleanupCallback func(threadID string)

// StartCleanupWorker runs a background goroutine that periodically deletes
// checkpoints idle for longer than ttl and prunes old run history.
func StartCleanupWorker(ctx context.Context, repo Repository, ttl, interval time.Duration, onCleanup CleanupCallback) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Checkpoint cleanup worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				CleanupExpired(ctx, repo, ttl, onCleanup)
			case <-ctx.Done():
				slog.Info("Checkpoint cleanup worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// CleanupExpired performs one sweep and returns the number of checkpoints removed.
func CleanupExpired(ctx context.Context, repo Repository, ttl time.Duration, onCleanup CleanupCallback) int {
	expired, err := repo.ExpiredCheckpoints(ctx, ttl)
	if err != nil {
		slog.Error("Cleanup worker failed to list expired checkpoints", "error", err)
		return 0
	}

	removed := 0
	for _, threadID := range expired {
		if err := repo.DeleteCheckpoint(ctx, threadID); err != nil {
			if ctx.Err() != nil {
				slog.Debug("Cleanup worker canceled, sweep incomplete", "thread_id", threadID, "error", err)
				return removed
			}
			slog.Warn("Cleanup worker failed to delete checkpoint", "thread_id", threadID, "error", err)
			continue
		}
		removed++
		if onCleanup != nil {
			onCleanup(threadID)
		}
	}
	if removed > 0 {
		slog.Info("Cleanup worker removed expired checkpoints", "count", removed)
	}

	if deleted, err := repo.CleanupOldRuns(ctx, runRetention); err != nil {
		slog.Error("Cleanup worker failed to prune run history", "error", err)
	} else if deleted > 0 {
		slog.Info("Cleanup worker pruned run history", "count", deleted)
	}
	return removed
}
