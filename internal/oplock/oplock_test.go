package oplock

import (
	"context"
	"errors"
	"testing"
)

func TestRetry_SucceedsAfterConflicts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, 0, func(ctx context.Context) error {
		calls++
		return ErrConflict
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetry_NonConflictStopsImmediately(t *testing.T) {
	fatal := errors.New("boom")
	calls := 0
	err := Retry(context.Background(), 5, 0, func(ctx context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}
