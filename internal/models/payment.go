package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuthorizationStatus represents the status of a payment authorization
type AuthorizationStatus string

const (
	AuthAuthorized AuthorizationStatus = "authorized"
	AuthCaptured   AuthorizationStatus = "captured"
	AuthReleased   AuthorizationStatus = "released"
	AuthFailed     AuthorizationStatus = "failed"
)

// authTransitions: authorized may become captured, released or failed;
// captured and released are each terminal.
var authTransitions = map[AuthorizationStatus][]AuthorizationStatus{
	AuthAuthorized: {AuthCaptured, AuthReleased, AuthFailed},
}

// CanBecome reports whether the authorization may move to the given status.
func (s AuthorizationStatus) CanBecome(to AuthorizationStatus) bool {
	for _, next := range authTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentAuthorization is the 1:1 payment record of an order. The idempotency
// keys are derived deterministically per operation, so a crash-and-retry of the
// same local operation reuses the same gateway-side key.
type PaymentAuthorization struct {
	OrderID      string              `json:"order_id" db:"order_id"`
	GatewayRef   string              `json:"gateway_ref" db:"gateway_ref"`
	Status       AuthorizationStatus `json:"status" db:"status"`
	Amount       decimal.Decimal     `json:"amount" db:"amount"`
	Currency     string              `json:"currency" db:"currency"`
	AuthorizeKey string              `json:"authorize_key" db:"authorize_key"`
	CaptureKey   string              `json:"capture_key" db:"capture_key"`
	ReleaseKey   string              `json:"release_key" db:"release_key"`
	AuthorizedAt time.Time           `json:"authorized_at" db:"authorized_at"`
	CapturedAt   *time.Time          `json:"captured_at,omitempty" db:"captured_at"`
	ReleasedAt   *time.Time          `json:"released_at,omitempty" db:"released_at"`
	FailedAt     *time.Time          `json:"failed_at,omitempty" db:"failed_at"`
}

// Clone returns a copy safe to hand to callers.
func (a *PaymentAuthorization) Clone() *PaymentAuthorization {
	cp := *a
	if a.CapturedAt != nil {
		t := *a.CapturedAt
		cp.CapturedAt = &t
	}
	if a.ReleasedAt != nil {
		t := *a.ReleasedAt
		cp.ReleasedAt = &t
	}
	if a.FailedAt != nil {
		t := *a.FailedAt
		cp.FailedAt = &t
	}
	return &cp
}
