package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderState represents the lifecycle state of an order
type OrderState string

const (
	StatePlaced    OrderState = "placed"
	StateConfirmed OrderState = "confirmed"
	StatePreparing OrderState = "preparing"
	StateReady     OrderState = "ready"
	StateCompleted OrderState = "completed"
	StateCancelled OrderState = "cancelled"
	StateNoShow    OrderState = "no_show"
)

// transitions is the directed graph of permitted state changes.
// Terminal states have no outgoing edges.
var transitions = map[OrderState][]OrderState{
	StatePlaced:    {StateConfirmed, StateCancelled},
	StateConfirmed: {StatePreparing},
	StatePreparing: {StateReady},
	StateReady:     {StateCompleted, StateNoShow},
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the state has no outgoing transitions.
func (s OrderState) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// InvalidTransitionError is returned for a transition that is not an edge of
// the lifecycle graph. It is fatal to the request, not retryable.
type InvalidTransitionError struct {
	From OrderState
	To   OrderState
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s -> %s", e.From, e.To)
}

// ReminderLevel tracks which acceptance reminders have been sent for a placed order
type ReminderLevel int

const (
	ReminderNone   ReminderLevel = 0
	ReminderSoft   ReminderLevel = 1
	ReminderUrgent ReminderLevel = 2
)

// OrderItem is a line item with the catalog price snapshotted at checkout
type OrderItem struct {
	ID        int             `json:"id,omitempty" db:"id"`
	Name      string          `json:"name" db:"name"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// Order is the aggregate root of the lifecycle engine. Version starts at 1 and
// increments by exactly 1 on every committed lifecycle transition; reminder
// bookkeeping moves outside the version. All grace-window math is anchored on
// ServerReceivedAt.
type Order struct {
	ID                      string          `json:"id" db:"id"`
	Number                  string          `json:"order_number" db:"number"`
	RestaurantID            string          `json:"restaurant_id" db:"restaurant_id"`
	CustomerID              string          `json:"customer_id" db:"customer_id"`
	State                   OrderState      `json:"state" db:"state"`
	Version                 int64           `json:"version" db:"version"`
	Items                   []OrderItem     `json:"items"`
	TotalAmount             decimal.Decimal `json:"total_amount" db:"total_amount"`
	Currency                string          `json:"currency" db:"currency"`
	PickupTime              time.Time       `json:"pickup_time" db:"pickup_time"`
	ServerReceivedAt        time.Time       `json:"server_received_at" db:"server_received_at"`
	CancellationRequestedAt *time.Time      `json:"cancellation_requested_at,omitempty" db:"cancellation_requested_at"`
	ReminderLevel           ReminderLevel   `json:"reminder_level" db:"reminder_level"`
	Forfeited               bool            `json:"forfeited" db:"forfeited"`
	SlotID                  string          `json:"slot_id" db:"slot_id"`
	CreatedAt               time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy, so a caller's mutation draft never aliases stored state.
func (o *Order) Clone() *Order {
	cp := *o
	cp.Items = make([]OrderItem, len(o.Items))
	copy(cp.Items, o.Items)
	if o.CancellationRequestedAt != nil {
		t := *o.CancellationRequestedAt
		cp.CancellationRequestedAt = &t
	}
	return &cp
}

// CancellationPending reports whether a customer cancellation awaits a
// restaurant response. Only meaningful while the order is still placed.
func (o *Order) CancellationPending() bool {
	return o.State == StatePlaced && o.CancellationRequestedAt != nil
}

// NoShowAvailable reports whether the no-show grace has elapsed for a ready
// order. The transition itself stays restaurant-initiated.
func (o *Order) NoShowAvailable(w Windows, now time.Time) bool {
	return o.State == StateReady && !now.Before(o.PickupTime.Add(w.NoShowGrace))
}

// Windows holds the time windows that drive time-triggered transitions
type Windows struct {
	AcceptWindow         time.Duration
	CancelGrace          time.Duration
	GraceBuffer          time.Duration
	CancellationResponse time.Duration
	NoShowGrace          time.Duration
	SoftReminderAfter    time.Duration
	UrgentReminderAfter  time.Duration
}

// DefaultWindows returns the production window set
func DefaultWindows() Windows {
	return Windows{
		AcceptWindow:         10 * time.Minute,
		CancelGrace:          5 * time.Minute,
		GraceBuffer:          30 * time.Second,
		CancellationResponse: 5 * time.Minute,
		NoShowGrace:          15 * time.Minute,
		SoftReminderAfter:    5 * time.Minute,
		UrgentReminderAfter:  8 * time.Minute,
	}
}

// WithinAcceptWindow reports whether a restaurant may still accept the order.
func (o *Order) WithinAcceptWindow(w Windows, now time.Time) bool {
	return now.Sub(o.ServerReceivedAt) < w.AcceptWindow
}

// WithinCancelGrace reports whether the customer may still cancel unilaterally.
// The grace buffer absorbs network and clock skew at the boundary.
func (o *Order) WithinCancelGrace(w Windows, now time.Time) bool {
	return now.Sub(o.ServerReceivedAt) <= w.CancelGrace+w.GraceBuffer
}

// GenerateOrderNumber generates a human-readable order number in format PU_YYYYMMDD_NNN
func GenerateOrderNumber(date time.Time, sequence int) string {
	return fmt.Sprintf("PU_%s_%03d", date.Format("20060102"), sequence)
}

// StatusLogEntry is an audit record written on every committed transition
type StatusLogEntry struct {
	State     OrderState `json:"state" db:"state"`
	ChangedBy string     `json:"changed_by" db:"changed_by"`
	ChangedAt time.Time  `json:"timestamp" db:"changed_at"`
	Notes     *string    `json:"notes,omitempty" db:"notes"`
}
