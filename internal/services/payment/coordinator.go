package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"pickup-orders/internal/logger"
	"pickup-orders/internal/models"
	"pickup-orders/internal/store"
)

// Notifier raises operator-visible incidents when retries are exhausted.
type Notifier interface {
	Notify(ctx context.Context, event models.NotificationEvent) error
}

// Coordinator drives the external gateway with exactly-once semantics. Every
// call carries a deterministic idempotency key derived from (order id,
// operation), so a crash-and-retry of the same local operation either creates
// exactly one gateway-side effect or observes the previously created one.
type Coordinator struct {
	gateway        Gateway
	store          store.Store
	notifier       Notifier
	logger         *logger.Logger
	captureRetries int
	releaseRetries int
	backoff        time.Duration
	now            func() time.Time
}

// NewCoordinator creates a payment coordinator.
func NewCoordinator(gateway Gateway, st store.Store, notifier Notifier, log *logger.Logger,
	captureRetries, releaseRetries int, backoff time.Duration) *Coordinator {
	return &Coordinator{
		gateway:        gateway,
		store:          st,
		notifier:       notifier,
		logger:         log,
		captureRetries: captureRetries,
		releaseRetries: releaseRetries,
		backoff:        backoff,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock, for tests.
func (c *Coordinator) SetNow(now func() time.Time) {
	c.now = now
}

// DeriveKey derives the deterministic idempotency key for (orderID, op).
func DeriveKey(orderID, op string) string {
	ns, err := uuid.Parse(orderID)
	if err != nil {
		ns = uuid.NewSHA1(uuid.NameSpaceOID, []byte(orderID))
	}
	return uuid.NewSHA1(ns, []byte(op)).String()
}

// Authorize places a hold on the customer's funds. Failure aborts order
// creation before any order row is persisted; the returned authorization is
// not yet stored.
func (c *Coordinator) Authorize(ctx context.Context, orderID string, amount decimal.Decimal, currency, customerToken string) (*models.PaymentAuthorization, error) {
	key := DeriveKey(orderID, "authorize")

	result, err := c.gateway.Authorize(ctx, amount, currency, customerToken, key)
	if err != nil {
		return nil, &PaymentError{Op: "authorize", Declined: errors.Is(err, ErrDeclined), Err: err}
	}

	return &models.PaymentAuthorization{
		OrderID:      orderID,
		GatewayRef:   result.GatewayID,
		Status:       models.AuthAuthorized,
		Amount:       amount,
		Currency:     currency,
		AuthorizeKey: key,
		CaptureKey:   DeriveKey(orderID, "capture"),
		ReleaseKey:   DeriveKey(orderID, "release"),
		AuthorizedAt: c.now(),
	}, nil
}

// Capture settles the authorized funds. Already-captured authorizations are a
// no-op, which makes a retried acceptance safe. Transient failures are retried
// with backoff up to the bound, then escalated as a payment incident; the
// caller must leave the order in placed.
func (c *Coordinator) Capture(ctx context.Context, auth *models.PaymentAuthorization) error {
	if auth.Status == models.AuthCaptured {
		return nil
	}
	if !auth.Status.CanBecome(models.AuthCaptured) {
		return &PaymentError{Op: "capture", Err: fmt.Errorf("authorization is %s", auth.Status)}
	}

	err := c.withBackoff(ctx, c.captureRetries, func() error {
		_, err := c.gateway.Capture(ctx, auth.GatewayRef, auth.CaptureKey)
		return err
	})
	if err != nil {
		c.raiseIncident(ctx, auth.OrderID, models.EventCaptureFailed)
		return &PaymentError{Op: "capture", Declined: errors.Is(err, ErrDeclined), Err: err}
	}

	now := c.now()
	auth.Status = models.AuthCaptured
	auth.CapturedAt = &now
	if err := c.store.UpdateAuthorization(ctx, auth); err != nil {
		return fmt.Errorf("record capture: %w", err)
	}
	return nil
}

// Release returns the held funds. It is best-effort: exhausted retries raise a
// reconciliation incident but never block the order's own state transition.
// Already-released authorizations are a no-op.
func (c *Coordinator) Release(ctx context.Context, auth *models.PaymentAuthorization) error {
	if auth.Status == models.AuthReleased {
		return nil
	}
	if !auth.Status.CanBecome(models.AuthReleased) {
		c.raiseIncident(ctx, auth.OrderID, models.EventReleaseFailed)
		return &PaymentError{Op: "release", Err: fmt.Errorf("authorization is %s", auth.Status)}
	}

	err := c.withBackoff(ctx, c.releaseRetries, func() error {
		_, err := c.gateway.Release(ctx, auth.GatewayRef, auth.ReleaseKey)
		return err
	})
	if err != nil {
		c.raiseIncident(ctx, auth.OrderID, models.EventReleaseFailed)
		return &PaymentError{Op: "release", Declined: errors.Is(err, ErrDeclined), Err: err}
	}

	now := c.now()
	auth.Status = models.AuthReleased
	auth.ReleasedAt = &now
	if err := c.store.UpdateAuthorization(ctx, auth); err != nil {
		return fmt.Errorf("record release: %w", err)
	}
	return nil
}

// MarkFailed records a terminal authorization failure.
func (c *Coordinator) MarkFailed(ctx context.Context, auth *models.PaymentAuthorization) error {
	if !auth.Status.CanBecome(models.AuthFailed) {
		return &PaymentError{Op: "fail", Err: fmt.Errorf("authorization is %s", auth.Status)}
	}
	now := c.now()
	auth.Status = models.AuthFailed
	auth.FailedAt = &now
	return c.store.UpdateAuthorization(ctx, auth)
}

// withBackoff retries fn on transient failure; declines stop immediately.
func (c *Coordinator) withBackoff(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || errors.Is(err, ErrDeclined) {
			return err
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(i+1) * c.backoff):
			}
		}
	}
	return err
}

// raiseIncident emits an operator-visible payment incident event.
func (c *Coordinator) raiseIncident(ctx context.Context, orderID string, eventType models.EventType) {
	event := models.NotificationEvent{
		RecipientID: "operators",
		EventType:   eventType,
		OrderID:     orderID,
		Timestamp:   c.now(),
	}
	if err := c.notifier.Notify(ctx, event); err != nil {
		c.logger.Error("incident_notify_failed",
			fmt.Sprintf("Failed to publish %s incident", eventType), "", err,
			map[string]interface{}{"order_id": orderID})
	}
}
