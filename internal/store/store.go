// Package store persists orders, payment authorizations and pickup slots.
// Guarded updates carry the optimistic-lock contract from oplock: they commit
// only if the expected version still matches, and increment it atomically.
package store

import (
	"context"
	"errors"
	"time"

	"pickup-orders/internal/models"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract of the lifecycle engine. The Postgres
// implementation backs production; the memory implementation backs tests and
// enforces identical version semantics.
type Store interface {
	// CreateOrder inserts the order, its items and its payment authorization
	// in a single transaction. The order must carry version 1.
	CreateOrder(ctx context.Context, order *models.Order, auth *models.PaymentAuthorization) error

	GetOrder(ctx context.Context, orderID string) (*models.Order, error)

	// UpdateOrder commits the order's mutable fields iff the persisted version
	// still equals expectedVersion, setting order.Version = expectedVersion+1.
	// Returns oplock.ErrConflict on a version mismatch with no partial effect.
	// The reminder level is not part of the guarded write; see MarkReminder.
	UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error

	// MarkReminder raises the order's reminder level monotonically without
	// touching its version: only lifecycle transitions consume versions.
	// Returns false when the order is no longer placed or already at (or past)
	// the level.
	MarkReminder(ctx context.Context, orderID string, level models.ReminderLevel) (bool, error)

	// ListPlaced returns every order still in the placed state, oldest first.
	ListPlaced(ctx context.Context) ([]*models.Order, error)

	// NextOrderSequence returns the next per-day order number sequence.
	NextOrderSequence(ctx context.Context, date time.Time) (int, error)

	GetAuthorization(ctx context.Context, orderID string) (*models.PaymentAuthorization, error)
	UpdateAuthorization(ctx context.Context, auth *models.PaymentAuthorization) error

	// EnsureSlot creates the slot for (restaurantID, slotTime) with the given
	// capacity if absent, then returns it.
	EnsureSlot(ctx context.Context, restaurantID string, slotTime time.Time, maxCapacity int) (*models.PickupSlot, error)
	GetSlot(ctx context.Context, slotID string) (*models.PickupSlot, error)

	// UpdateSlot commits the booking count iff the persisted version still
	// equals expectedVersion, setting slot.Version = expectedVersion+1.
	UpdateSlot(ctx context.Context, slot *models.PickupSlot, expectedVersion int64) error

	AppendStatusLog(ctx context.Context, orderID string, entry models.StatusLogEntry) error
	GetStatusLog(ctx context.Context, orderID string) ([]models.StatusLogEntry, error)
}
