package models

import (
	"time"
)

// SlotBucketSize is the width of a pickup-slot time bucket.
const SlotBucketSize = 15 * time.Minute

// SlotBucket truncates a pickup time to its slot bucket.
func SlotBucket(t time.Time) time.Time {
	return t.UTC().Truncate(SlotBucketSize)
}

// PickupSlot tracks booking capacity for a restaurant and time bucket.
// Created lazily on first reservation. The version field carries the same
// optimistic-lock discipline as orders; 0 <= CurrentBookings <= MaxCapacity
// holds at all times, including under concurrent reservation attempts.
type PickupSlot struct {
	ID              string    `json:"id" db:"id"`
	RestaurantID    string    `json:"restaurant_id" db:"restaurant_id"`
	SlotTime        time.Time `json:"slot_time" db:"slot_time"`
	MaxCapacity     int       `json:"max_capacity" db:"max_capacity"`
	CurrentBookings int       `json:"current_bookings" db:"current_bookings"`
	Version         int64     `json:"version" db:"version"`
}

// Clone returns a copy safe to hand to callers.
func (s *PickupSlot) Clone() *PickupSlot {
	cp := *s
	return &cp
}

// SlotToken proves a held reservation; release decrements the slot it names.
type SlotToken struct {
	SlotID       string    `json:"slot_id"`
	RestaurantID string    `json:"restaurant_id"`
	SlotTime     time.Time `json:"slot_time"`
}
