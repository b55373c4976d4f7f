package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// ErrDeclined marks a gateway refusal of the operation itself, as opposed to
// a transient failure. Declines are never retried.
var ErrDeclined = errors.New("payment declined")

// GatewayResult is the gateway's answer to a payment operation.
type GatewayResult struct {
	GatewayID string `json:"gateway_id"`
	Status    string `json:"status"`
}

// Gateway is the external payment collaborator. Implementations must honor
// idempotency keys server-side: retrying an operation with the same key
// observes the original effect instead of creating a second one.
type Gateway interface {
	Authorize(ctx context.Context, amount decimal.Decimal, currency, customerToken, idempotencyKey string) (GatewayResult, error)
	Capture(ctx context.Context, gatewayID, idempotencyKey string) (GatewayResult, error)
	Release(ctx context.Context, gatewayID, idempotencyKey string) (GatewayResult, error)
}

// PaymentError wraps a failed gateway operation. Declined operations are not
// retryable; transient failures are.
type PaymentError struct {
	Op       string
	Declined bool
	Err      error
}

func (e *PaymentError) Error() string {
	if e.Declined {
		return fmt.Sprintf("payment %s declined: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("payment %s failed: %v", e.Op, e.Err)
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}

// HTTPGateway talks to the payment gateway's JSON API.
type HTTPGateway struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewHTTPGateway creates a gateway client with the given timeout.
func NewHTTPGateway(baseURL, apiKey string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type authorizeRequest struct {
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	CustomerToken string `json:"customer_token"`
}

func (g *HTTPGateway) Authorize(ctx context.Context, amount decimal.Decimal, currency, customerToken, idempotencyKey string) (GatewayResult, error) {
	body := authorizeRequest{
		Amount:        amount.StringFixed(2),
		Currency:      currency,
		CustomerToken: customerToken,
	}
	return g.post(ctx, "/v1/authorizations", idempotencyKey, body)
}

func (g *HTTPGateway) Capture(ctx context.Context, gatewayID, idempotencyKey string) (GatewayResult, error) {
	return g.post(ctx, fmt.Sprintf("/v1/authorizations/%s/capture", gatewayID), idempotencyKey, struct{}{})
}

func (g *HTTPGateway) Release(ctx context.Context, gatewayID, idempotencyKey string) (GatewayResult, error) {
	return g.post(ctx, fmt.Sprintf("/v1/authorizations/%s/release", gatewayID), idempotencyKey, struct{}{})
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, payload interface{}) (GatewayResult, error) {
	var result GatewayResult

	body, err := json.Marshal(payload)
	if err != nil {
		return result, fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.HTTP.Do(req)
	if err != nil {
		return result, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return result, fmt.Errorf("read gateway response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return result, fmt.Errorf("%w: %s", ErrDeclined, string(data))
	case resp.StatusCode >= 400:
		return result, fmt.Errorf("gateway status %d: %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("decode gateway response: %w", err)
	}
	return result, nil
}
