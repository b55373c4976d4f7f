package lifecycle

import (
	"context"
	"errors"

	"pickup-orders/internal/models"
	"pickup-orders/internal/store"
)

// CancelOutcome tells the customer how their cancel request resolved.
type CancelOutcome string

const (
	// CancelImmediate: inside the grace window, cancelled unilaterally.
	CancelImmediate CancelOutcome = "cancelled"
	// CancelRequested: outside the grace window, waiting on the restaurant.
	CancelRequested CancelOutcome = "cancellation_requested"
)

// Accept confirms the order. Capture and the placed->confirmed write are one
// logical unit: if capture fails the order stays placed and the attempt may be
// retried; the deterministic capture key makes the retry observe the original
// capture instead of charging twice. A pending cancellation request is
// superseded and the customer is told the cancellation was denied.
func (m *Manager) Accept(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	order, err := m.read(ctx, orderID, expectedVersion)
	if err != nil {
		return order, err
	}
	if order.State != models.StatePlaced {
		return order, models.InvalidTransitionError{From: order.State, To: models.StateConfirmed}
	}
	if !order.WithinAcceptWindow(m.windows, m.now()) {
		return order, &PreconditionError{Reason: "accept window elapsed", Current: order}
	}

	auth, err := m.store.GetAuthorization(ctx, orderID)
	if err != nil {
		return order, err
	}
	if err := m.payments.Capture(ctx, auth); err != nil {
		// Order stays placed; the coordinator already raised the incident.
		return order, err
	}

	hadPending := order.CancellationRequestedAt != nil
	order.State = models.StateConfirmed
	order.CancellationRequestedAt = nil
	if err := m.commit(ctx, order, expectedVersion, actorRestaurant, "", models.EventOrderAccepted, order.CustomerID); err != nil {
		return currentOf(err, order), err
	}

	if hadPending {
		m.notify(ctx, order.CustomerID, models.EventCancellationDenied, order)
	}
	return order, nil
}

// Reject declines the order outright: placed -> cancelled with funds released
// and the slot freed.
func (m *Manager) Reject(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	order, err := m.read(ctx, orderID, expectedVersion)
	if err != nil {
		return order, err
	}
	if order.State != models.StatePlaced {
		return order, models.InvalidTransitionError{From: order.State, To: models.StateCancelled}
	}
	return m.cancelOrder(ctx, order, expectedVersion, actorRestaurant, "rejected by restaurant")
}

// Cancel handles a customer cancellation. Inside the grace window it resolves
// immediately and unilaterally; after it, the request is recorded and waits
// for the restaurant or the response timeout. If a concurrent acceptance wins
// the version race, the customer gets "already accepted" rather than a retry
// prompt.
func (m *Manager) Cancel(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, CancelOutcome, error) {
	order, err := m.read(ctx, orderID, expectedVersion)
	if err != nil {
		return m.deniedIfAccepted(order, err)
	}

	switch order.State {
	case models.StatePlaced:
	case models.StateConfirmed, models.StatePreparing, models.StateReady:
		return order, "", &AlreadyAcceptedError{Current: order}
	default:
		return order, "", models.InvalidTransitionError{From: order.State, To: models.StateCancelled}
	}

	now := m.now()
	if order.WithinCancelGrace(m.windows, now) {
		updated, err := m.cancelOrder(ctx, order, expectedVersion, actorCustomer, "cancelled within grace window")
		if err != nil {
			return m.deniedIfAccepted(updated, err)
		}
		return updated, CancelImmediate, nil
	}

	if order.CancellationRequestedAt != nil {
		return order, "", &PreconditionError{Reason: "cancellation already requested", Current: order}
	}

	requestedAt := now
	order.CancellationRequestedAt = &requestedAt
	if err := m.commit(ctx, order, expectedVersion, actorCustomer, "cancellation requested",
		models.EventCancellationRequested, order.RestaurantID); err != nil {
		return m.deniedIfAccepted(currentOf(err, order), err)
	}
	return order, CancelRequested, nil
}

// ApproveCancellation resolves a pending cancellation in the customer's favor.
func (m *Manager) ApproveCancellation(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	order, err := m.read(ctx, orderID, expectedVersion)
	if err != nil {
		return order, err
	}
	if order.State != models.StatePlaced {
		return order, models.InvalidTransitionError{From: order.State, To: models.StateCancelled}
	}
	if order.CancellationRequestedAt == nil {
		return order, &PreconditionError{Reason: "no cancellation request outstanding", Current: order}
	}
	return m.cancelOrder(ctx, order, expectedVersion, actorRestaurant, "cancellation approved")
}

// DenyCancellation clears a pending cancellation; the order stays placed and
// keeps moving through the acceptance windows.
func (m *Manager) DenyCancellation(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	order, err := m.read(ctx, orderID, expectedVersion)
	if err != nil {
		return order, err
	}
	if order.State != models.StatePlaced {
		return order, models.InvalidTransitionError{From: order.State, To: order.State}
	}
	if order.CancellationRequestedAt == nil {
		return order, &PreconditionError{Reason: "no cancellation request outstanding", Current: order}
	}

	order.CancellationRequestedAt = nil
	if err := m.commit(ctx, order, expectedVersion, actorRestaurant, "cancellation denied",
		models.EventCancellationDenied, order.CustomerID); err != nil {
		return currentOf(err, order), err
	}
	return order, nil
}

// StartPreparing advances confirmed -> preparing.
func (m *Manager) StartPreparing(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	return m.advance(ctx, orderID, expectedVersion, models.StatePreparing, models.EventOrderPreparing)
}

// MarkReady advances preparing -> ready and arms the pickup reminder.
func (m *Manager) MarkReady(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	return m.advance(ctx, orderID, expectedVersion, models.StateReady, models.EventOrderReady)
}

// Complete records the hand-over: ready -> completed.
func (m *Manager) Complete(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	return m.advance(ctx, orderID, expectedVersion, models.StateCompleted, models.EventOrderCompleted)
}

func (m *Manager) advance(ctx context.Context, orderID string, expectedVersion int64,
	to models.OrderState, event models.EventType) (*models.Order, error) {
	order, err := m.read(ctx, orderID, expectedVersion)
	if err != nil {
		return order, err
	}
	if !models.CanTransition(order.State, to) {
		return order, models.InvalidTransitionError{From: order.State, To: to}
	}

	order.State = to
	if err := m.commit(ctx, order, expectedVersion, actorRestaurant, "", event, order.CustomerID); err != nil {
		return currentOf(err, order), err
	}
	return order, nil
}

// MarkNoShow records a never-collected order: ready -> no_show. The captured
// funds are forfeited and the slot is not released since its time has passed.
func (m *Manager) MarkNoShow(ctx context.Context, orderID string, expectedVersion int64) (*models.Order, error) {
	order, err := m.read(ctx, orderID, expectedVersion)
	if err != nil {
		return order, err
	}
	if order.State != models.StateReady {
		return order, models.InvalidTransitionError{From: order.State, To: models.StateNoShow}
	}
	if !order.NoShowAvailable(m.windows, m.now()) {
		return order, &PreconditionError{Reason: "no-show grace has not elapsed", Current: order}
	}

	order.State = models.StateNoShow
	order.Forfeited = true
	if err := m.commit(ctx, order, expectedVersion, actorRestaurant, "forfeited after no-show",
		models.EventOrderNoShow, order.CustomerID); err != nil {
		return currentOf(err, order), err
	}
	return order, nil
}

// AutoReject cancels a placed order whose accept window elapsed with no
// restaurant response. Scheduler-triggered; losing the version race or finding
// the order advanced is a no-op.
func (m *Manager) AutoReject(ctx context.Context, order *models.Order) error {
	if order.State != models.StatePlaced {
		return nil
	}
	if m.now().Sub(order.ServerReceivedAt) < m.windows.AcceptWindow {
		return nil
	}

	_, err := m.cancelOrder(ctx, order.Clone(), order.Version, actorScheduler, "auto-rejected after accept window")
	return ignoreLostRace(err)
}

// AutoApproveCancellation resolves a cancellation request the restaurant left
// unanswered past the response window.
func (m *Manager) AutoApproveCancellation(ctx context.Context, order *models.Order) error {
	if order.State != models.StatePlaced || order.CancellationRequestedAt == nil {
		return nil
	}
	if m.now().Sub(*order.CancellationRequestedAt) < m.windows.CancellationResponse {
		return nil
	}

	_, err := m.cancelOrder(ctx, order.Clone(), order.Version, actorScheduler, "cancellation auto-approved")
	return ignoreLostRace(err)
}

// SendReminder raises the order's reminder level and notifies the restaurant.
// The bump is monotonic and does not consume a version: reminders are
// bookkeeping, not lifecycle transitions, so a customer's expected version
// stays valid across them. Levels only move up, so a re-evaluating sweep is a
// no-op.
func (m *Manager) SendReminder(ctx context.Context, order *models.Order, level models.ReminderLevel) error {
	if order.State != models.StatePlaced || order.ReminderLevel >= level {
		return nil
	}

	marked, err := m.store.MarkReminder(ctx, order.ID, level)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if !marked {
		return nil
	}

	event := models.EventReminderSoft
	if level == models.ReminderUrgent {
		event = models.EventReminderUrgent
	}
	order.ReminderLevel = level
	m.notify(ctx, order.RestaurantID, event, order)
	return nil
}

// cancelOrder commits placed -> cancelled, then releases funds and slot.
// Both releases are decoupled from the committed transition: their failures
// are surfaced for reconciliation, never rolled into the order's state.
func (m *Manager) cancelOrder(ctx context.Context, order *models.Order, expectedVersion int64,
	changedBy, notes string) (*models.Order, error) {
	order.State = models.StateCancelled
	if err := m.commit(ctx, order, expectedVersion, changedBy, notes,
		models.EventOrderCancelled, order.CustomerID); err != nil {
		return currentOf(err, order), err
	}

	m.releaseFunds(ctx, order)
	m.releaseSlot(ctx, order)
	return order, nil
}

// deniedIfAccepted converts a lost cancellation race into the "already
// accepted" answer when the winner was an acceptance.
func (m *Manager) deniedIfAccepted(order *models.Order, err error) (*models.Order, CancelOutcome, error) {
	var conflict *ConflictError
	if errors.As(err, &conflict) && conflict.Current.State != models.StatePlaced {
		switch conflict.Current.State {
		case models.StateConfirmed, models.StatePreparing, models.StateReady:
			return conflict.Current, "", &AlreadyAcceptedError{Current: conflict.Current}
		}
	}
	return order, "", err
}

// currentOf prefers the authoritative order carried by a conflict error.
func currentOf(err error, fallback *models.Order) *models.Order {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Current
	}
	return fallback
}

// ignoreLostRace drops conflict and stale-state errors from scheduler
// actions: a re-evaluated order that already transitioned is a no-op.
func ignoreLostRace(err error) error {
	if err == nil {
		return nil
	}
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return nil
	}
	var invalid models.InvalidTransitionError
	if errors.As(err, &invalid) {
		return nil
	}
	return err
}
