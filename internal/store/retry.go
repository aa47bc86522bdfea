package store

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const (
	writeMaxRetries = 3
	writeBaseDelay  = 50 * time.Millisecond
)

// IsConflictError reports whether err is a SQLITE_BUSY or "database is locked"
// error. Both are transient write conflicts between connections.
func IsConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs a write, retrying conflict errors with exponential backoff
// (50ms, 100ms). Other errors are returned immediately.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < writeMaxRetries; i++ {
		err = fn()
		if err == nil || !IsConflictError(err) || i == writeMaxRetries-1 {
			return err
		}

		delay := writeBaseDelay * time.Duration(1<<i)
		slog.Debug("SQLite write conflict, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
