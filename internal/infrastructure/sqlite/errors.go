package sqlite

import (
	"context"
	"strings"
	"time"
)

// readRetries bounds internal retries for transient lock contention.
// Only read paths retry; writes surface the error to the caller.
const readRetries = 3

// isBusy reports whether err is transient lock contention.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// isConstraint reports whether err is a constraint violation.
func isConstraint(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "constraint")
}

// isForeignKey reports whether err is specifically an FK violation.
func isForeignKey(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "FOREIGN KEY")
}

// retryRead runs fn, retrying briefly on lock contention. The busy
// timeout on the connection handles most waits; this covers the rare
// timeout expiry under heavy write load.
func retryRead[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var (
		out T
		err error
	)
	for attempt := 0; attempt < readRetries; attempt++ {
		out, err = fn()
		if !isBusy(err) {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return out, err
}
