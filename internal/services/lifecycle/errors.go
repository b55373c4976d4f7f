package lifecycle

import (
	"fmt"

	"pickup-orders/internal/models"
	"pickup-orders/internal/oplock"
)

// ConflictError reports a version mismatch. Current carries the authoritative
// order so the caller can decide whether to retry.
type ConflictError struct {
	Current *models.Order
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: order %s is at version %d", e.Current.ID, e.Current.Version)
}

func (e *ConflictError) Unwrap() error {
	return oplock.ErrConflict
}

// PreconditionError reports a transition whose edge exists in the lifecycle
// graph but whose time or state precondition does not hold. Not retryable.
type PreconditionError struct {
	Reason  string
	Current *models.Order
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// AlreadyAcceptedError tells a cancelling customer that the restaurant's
// acceptance won the race; the cancellation is denied, not retried.
type AlreadyAcceptedError struct {
	Current *models.Order
}

func (e *AlreadyAcceptedError) Error() string {
	return "order already accepted, cannot cancel"
}
