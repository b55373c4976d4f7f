// Package slots reserves and releases pickup-slot capacity with the same
// optimistic-retry discipline as order transitions.
package slots

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pickup-orders/internal/logger"
	"pickup-orders/internal/models"
	"pickup-orders/internal/oplock"
	"pickup-orders/internal/store"
)

// DefaultCapacity is the booking capacity of a lazily created slot.
const DefaultCapacity = 8

const reserveAttempts = 5

// CapacityExceededError reports a full slot and hints at the next bucket.
type CapacityExceededError struct {
	RestaurantID string
	SlotTime     time.Time
	NextSlot     time.Time
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("slot %s at %s is full", e.RestaurantID, e.SlotTime.Format(time.RFC3339))
}

// Manager guards pickup-slot capacity. Bookings never go negative or over
// max, even under concurrent reservation attempts.
type Manager struct {
	store    store.Store
	logger   *logger.Logger
	capacity int
}

// NewManager creates a slot manager with the given default capacity.
func NewManager(st store.Store, log *logger.Logger, capacity int) *Manager {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Manager{store: st, logger: log, capacity: capacity}
}

// Reserve books one unit of capacity in the restaurant's slot for slotTime,
// creating the slot lazily. Conflicting writers retry up to a small bound;
// a full slot surfaces CapacityExceededError with the next bucket as a hint.
func (m *Manager) Reserve(ctx context.Context, restaurantID string, slotTime time.Time) (models.SlotToken, error) {
	bucket := models.SlotBucket(slotTime)
	var token models.SlotToken

	err := oplock.Retry(ctx, reserveAttempts, 10*time.Millisecond, func(ctx context.Context) error {
		slot, err := m.store.EnsureSlot(ctx, restaurantID, bucket, m.capacity)
		if err != nil {
			return err
		}
		if slot.CurrentBookings >= slot.MaxCapacity {
			return &CapacityExceededError{
				RestaurantID: restaurantID,
				SlotTime:     bucket,
				NextSlot:     bucket.Add(models.SlotBucketSize),
			}
		}

		slot.CurrentBookings++
		if err := m.store.UpdateSlot(ctx, slot, slot.Version); err != nil {
			return err
		}
		token = models.SlotToken{SlotID: slot.ID, RestaurantID: restaurantID, SlotTime: bucket}
		return nil
	})
	if err != nil {
		return models.SlotToken{}, err
	}
	return token, nil
}

// Release frees the booking held by token. Used on cancellation and
// auto-reject; a no-show forfeits without releasing since the time has
// passed. The count never goes below zero.
func (m *Manager) Release(ctx context.Context, token models.SlotToken) error {
	return oplock.Retry(ctx, reserveAttempts, 10*time.Millisecond, func(ctx context.Context) error {
		slot, err := m.store.GetSlot(ctx, token.SlotID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				m.logger.Error("slot_release_failed", "Slot missing on release", "", err,
					map[string]interface{}{"slot_id": token.SlotID})
				return nil
			}
			return err
		}
		if slot.CurrentBookings == 0 {
			return nil
		}

		slot.CurrentBookings--
		return m.store.UpdateSlot(ctx, slot, slot.Version)
	})
}
