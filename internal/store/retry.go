package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// IsBusyError reports whether err is a SQLite concurrency error (SQLITE_BUSY
// or "database is locked") that warrants a retry.
func IsBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withBusyRetry runs op up to maxRetries times, backing off exponentially
// from baseDelay while op reports a busy error.
func withBusyRetry(ctx context.Context, name string, maxRetries int, baseDelay time.Duration, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !IsBusyError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 100ms, 200ms, 400ms
		slog.Debug("SQLite busy, retrying", "operation", name, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
