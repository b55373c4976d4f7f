package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pickup-orders/internal/logger"
	"pickup-orders/internal/models"
	"pickup-orders/internal/oplock"
	"pickup-orders/internal/services/payment"
	"pickup-orders/internal/services/slots"
	"pickup-orders/internal/store"
)

// Notifier triggers notifications at transitions. Delivery and channel
// selection belong to the collaborator consuming the events.
type Notifier interface {
	Notify(ctx context.Context, event models.NotificationEvent) error
}

const (
	actorCustomer   = "customer"
	actorRestaurant = "restaurant"
	actorScheduler  = "scheduler"
)

// Manager is the order lifecycle engine. Every mutation goes through a
// version-guarded store write; only one writer commits per version.
type Manager struct {
	store    store.Store
	payments *payment.Coordinator
	slots    *slots.Manager
	notifier Notifier
	logger   *logger.Logger
	windows  models.Windows
	now      func() time.Time
}

// NewManager creates the lifecycle engine.
func NewManager(st store.Store, payments *payment.Coordinator, slotMgr *slots.Manager,
	notifier Notifier, log *logger.Logger, windows models.Windows) *Manager {
	return &Manager{
		store:    st,
		payments: payments,
		slots:    slotMgr,
		notifier: notifier,
		logger:   log,
		windows:  windows,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock, for tests.
func (m *Manager) SetNow(now func() time.Time) {
	m.now = now
}

// Checkout reserves slot capacity, authorizes payment and creates the order in
// placed state. Authorization failure aborts before any order row exists; the
// slot reservation is compensated on every failure path.
func (m *Manager) Checkout(ctx context.Context, req *models.CheckoutRequest) (*models.Order, error) {
	now := m.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	token, err := m.slots.Reserve(ctx, req.RestaurantID, req.PickupTime)
	if err != nil {
		return nil, err
	}

	orderID := uuid.NewString()
	total := req.TotalAmount()

	auth, err := m.payments.Authorize(ctx, orderID, total, req.Currency, req.CustomerToken)
	if err != nil {
		m.releaseSlotToken(ctx, token)
		return nil, err
	}

	seq, err := m.store.NextOrderSequence(ctx, now)
	if err != nil {
		// The order number is UNIQUE; guessing a sequence would only move the
		// failure to the insert. Compensate and surface.
		if rerr := m.payments.Release(ctx, auth); rerr != nil {
			m.logger.Error("checkout_release_failed", "Failed to release authorization after sequence failure",
				"", rerr, map[string]interface{}{"order_id": orderID})
		}
		m.releaseSlotToken(ctx, token)
		return nil, fmt.Errorf("next order sequence: %w", err)
	}

	items := make([]models.OrderItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = models.OrderItem{Name: it.Name, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}

	order := &models.Order{
		ID:               orderID,
		Number:           models.GenerateOrderNumber(now, seq),
		RestaurantID:     req.RestaurantID,
		CustomerID:       req.CustomerID,
		State:            models.StatePlaced,
		Version:          1,
		Items:            items,
		TotalAmount:      total,
		Currency:         req.Currency,
		PickupTime:       req.PickupTime.UTC(),
		ServerReceivedAt: now,
		SlotID:           token.SlotID,
	}

	if err := m.store.CreateOrder(ctx, order, auth); err != nil {
		// Compensate: free the hold and the slot before surfacing.
		if rerr := m.payments.Release(ctx, auth); rerr != nil {
			m.logger.Error("checkout_release_failed", "Failed to release authorization after create failure",
				"", rerr, map[string]interface{}{"order_id": orderID})
		}
		m.releaseSlotToken(ctx, token)
		return nil, fmt.Errorf("create order: %w", err)
	}

	m.logStatus(ctx, order, actorCustomer, "order placed")
	m.notify(ctx, order.RestaurantID, models.EventOrderPlaced, order)
	return order, nil
}

// GetOrder returns the order, its authorization and its status history.
func (m *Manager) GetOrder(ctx context.Context, orderID string) (*models.Order, *models.PaymentAuthorization, []models.StatusLogEntry, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	auth, err := m.store.GetAuthorization(ctx, orderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, nil, err
	}
	history, err := m.store.GetStatusLog(ctx, orderID)
	if err != nil {
		return nil, nil, nil, err
	}
	return order, auth, history, nil
}

// Windows exposes the configured time windows.
func (m *Manager) Windows() models.Windows {
	return m.windows
}

// Now returns the engine's current time.
func (m *Manager) Now() time.Time {
	return m.now()
}

// read loads the order and checks the caller's expected version.
func (m *Manager) read(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	order, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Version != expectedVersion {
		return order, &ConflictError{Current: order}
	}
	return order, nil
}

// commit performs the version-guarded write, logs the status change and
// triggers the notification. A lost race is converted to a ConflictError
// carrying the authoritative order.
func (m *Manager) commit(ctx context.Context, order *models.Order, expectedVersion int64,
	changedBy, notes string, event models.EventType, recipient string) error {
	if err := m.store.UpdateOrder(ctx, order, expectedVersion); err != nil {
		if errors.Is(err, oplock.ErrConflict) {
			current, rerr := m.store.GetOrder(ctx, order.ID)
			if rerr != nil {
				return err
			}
			return &ConflictError{Current: current}
		}
		return err
	}

	m.logStatus(ctx, order, changedBy, notes)
	m.notify(ctx, recipient, event, order)
	return nil
}

func (m *Manager) logStatus(ctx context.Context, order *models.Order, changedBy, notes string) {
	entry := models.StatusLogEntry{
		State:     order.State,
		ChangedBy: changedBy,
		ChangedAt: m.now(),
	}
	if notes != "" {
		entry.Notes = &notes
	}
	if err := m.store.AppendStatusLog(ctx, order.ID, entry); err != nil {
		m.logger.Error("status_log_failed", "Failed to append status log", "", err,
			map[string]interface{}{"order_id": order.ID})
	}
}

func (m *Manager) notify(ctx context.Context, recipient string, event models.EventType, order *models.Order) {
	ev := models.NotificationEvent{
		RecipientID: recipient,
		EventType:   event,
		OrderID:     order.ID,
		OrderNumber: order.Number,
		State:       string(order.State),
		Timestamp:   m.now(),
	}
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.logger.Error("notify_failed", fmt.Sprintf("Failed to publish %s event", event), "", err,
			map[string]interface{}{"order_id": order.ID})
	}
}

// releaseFunds releases the order's authorization best-effort. Funds release
// is decoupled from the order's own committed transition.
func (m *Manager) releaseFunds(ctx context.Context, order *models.Order) {
	auth, err := m.store.GetAuthorization(ctx, order.ID)
	if err != nil {
		m.logger.Error("payment_release_failed", "Failed to load authorization for release", "", err,
			map[string]interface{}{"order_id": order.ID})
		return
	}
	if err := m.payments.Release(ctx, auth); err != nil {
		m.logger.Error("payment_release_failed", "Failed to release authorization", "", err,
			map[string]interface{}{"order_id": order.ID})
	}
}

func (m *Manager) releaseSlot(ctx context.Context, order *models.Order) {
	token := models.SlotToken{SlotID: order.SlotID, RestaurantID: order.RestaurantID}
	m.releaseSlotToken(ctx, token)
}

func (m *Manager) releaseSlotToken(ctx context.Context, token models.SlotToken) {
	if err := m.slots.Release(ctx, token); err != nil {
		m.logger.Error("slot_release_failed", "Failed to release slot", "", err,
			map[string]interface{}{"slot_id": token.SlotID})
	}
}
