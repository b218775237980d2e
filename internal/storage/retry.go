package storage

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
)

// WithRetry runs fn, retrying on SQLite busy/locked errors with jittered
// exponential backoff. SQLite returns these when a concurrent writer holds
// the lock; the busy_timeout pragma absorbs most contention but bursts of
// writes can still surface them.
func WithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay << (attempt - 1)
			delay += time.Duration(rand.Int64N(int64(delay)))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = fn(ctx)
		if err == nil || !isRetriable(err) {
			return err
		}
	}
	return err
}

// isRetriable reports whether the error is a transient SQLite lock error.
func isRetriable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
