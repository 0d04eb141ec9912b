package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"taskweave/internal/logging"
	"taskweave/internal/types"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so Retry returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p) ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, types.ErrNotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Retry runs fn up to attempts times with exponential backoff starting at base.
// Domain errors (not found, permanent, context) pass through unwrapped; I/O
// failures that exhaust every attempt come back as *types.PersistenceError.
func Retry(ctx context.Context, op string, attempts int, base time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := base
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil {
			if i > 1 {
				logging.Store("%s succeeded on attempt %d", op, i)
			}
			return nil
		}
		if isPermanent(err) {
			var p permanentError
			if errors.As(err, &p) {
				return p.err
			}
			return err
		}
		logging.StoreWarn("%s failed (attempt %d/%d): %v", op, i, attempts, err)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return &types.PersistenceError{Op: op, Attempts: i, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	logging.Get(logging.CategoryStore).Error("%s gave up after %d attempt(s): %v", op, attempts, err)
	return &types.PersistenceError{Op: op, Attempts: attempts, Err: err}
}
