// Package oplock holds the optimistic-lock contract shared by order and slot
// mutations. The compare-and-set itself lives in the store: a guarded update
// commits only if the persisted version still equals the version the caller
// read, incrementing it atomically. A guarded update that affects zero rows
// reports ErrConflict and has no partial effect.
package oplock

import (
	"context"
	"errors"
	"time"
)

// ErrConflict signals that another writer advanced the record's version first.
// The caller must reread and retry or abandon.
var ErrConflict = errors.New("version conflict")

// DefaultAttempts bounds transparent conflict retries before the conflict
// surfaces to the caller.
const DefaultAttempts = 3

// Retry runs fn until it succeeds, returns a non-conflict error, or the
// attempt bound is exhausted. Each retry backs off linearly so contending
// writers spread out.
func Retry(ctx context.Context, attempts int, backoff time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}

		if i < attempts-1 && backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * backoff):
			}
		}
	}
	return err
}
