package models

import "time"

// EventType names a notification trigger raised by the lifecycle engine.
// Channel selection and delivery belong to the notification collaborator.
type EventType string

const (
	EventOrderPlaced           EventType = "order_placed"
	EventOrderAccepted         EventType = "order_accepted"
	EventOrderPreparing        EventType = "order_preparing"
	EventOrderReady            EventType = "order_ready"
	EventOrderCompleted        EventType = "order_completed"
	EventOrderCancelled        EventType = "order_cancelled"
	EventOrderNoShow           EventType = "order_no_show"
	EventCancellationRequested EventType = "cancellation_requested"
	EventCancellationDenied    EventType = "cancellation_denied"
	EventReminderSoft          EventType = "reminder_soft"
	EventReminderUrgent        EventType = "reminder_urgent"
	EventCaptureFailed         EventType = "payment_capture_incident"
	EventReleaseFailed         EventType = "payment_release_incident"
)

// NotificationEvent is the fire-and-forget payload published on each
// transition and each scheduler reminder.
type NotificationEvent struct {
	RecipientID string    `json:"recipient_id"`
	EventType   EventType `json:"event_type"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	State       string    `json:"state"`
	Timestamp   time.Time `json:"timestamp"`
}
