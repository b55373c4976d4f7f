package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError reports a malformed request field, rejected before any mutation
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// CheckoutItem is an item in a checkout request. The price comes from the
// catalog collaborator and is snapshotted into the order line items.
type CheckoutItem struct {
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CheckoutRequest is the request to place a pickup order
type CheckoutRequest struct {
	CustomerID    string         `json:"customer_id"`
	CustomerToken string         `json:"customer_token"`
	RestaurantID  string         `json:"restaurant_id"`
	PickupTime    time.Time      `json:"pickup_time"`
	Currency      string         `json:"currency"`
	Items         []CheckoutItem `json:"items"`
}

var (
	minItemPrice = decimal.RequireFromString("0.01")
	maxItemPrice = decimal.RequireFromString("999.99")
)

// Validate checks the checkout request against field constraints
func (req *CheckoutRequest) Validate(now time.Time) error {
	if req.CustomerID == "" {
		return ValidationError{Field: "customer_id", Message: "customer id is required"}
	}
	if req.CustomerToken == "" {
		return ValidationError{Field: "customer_token", Message: "customer payment token is required"}
	}
	if req.RestaurantID == "" {
		return ValidationError{Field: "restaurant_id", Message: "restaurant id is required"}
	}
	if len(req.Currency) != 3 {
		return ValidationError{Field: "currency", Message: "currency must be a 3-letter code"}
	}
	if !req.PickupTime.After(now) {
		return ValidationError{Field: "pickup_time", Message: "pickup time must be in the future"}
	}
	return validateItems(req.Items)
}

// TotalAmount sums the snapshotted line prices.
func (req *CheckoutRequest) TotalAmount() decimal.Decimal {
	total := decimal.Zero
	for _, item := range req.Items {
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total
}

func validateItems(items []CheckoutItem) error {
	if len(items) == 0 {
		return ValidationError{Field: "items", Message: "items cannot be empty"}
	}
	if len(items) > 20 {
		return ValidationError{Field: "items", Message: "a maximum of 20 items is allowed"}
	}
	for i, item := range items {
		if err := validateItem(item, i); err != nil {
			return err
		}
	}
	return nil
}

func validateItem(item CheckoutItem, index int) error {
	if item.Name == "" {
		return ValidationError{
			Field:   fmt.Sprintf("items[%d].name", index),
			Message: "item name is required",
		}
	}
	if len(item.Name) > 50 {
		return ValidationError{
			Field:   fmt.Sprintf("items[%d].name", index),
			Message: "item name must be less than 50 characters",
		}
	}
	if item.Quantity < 1 || item.Quantity > 10 {
		return ValidationError{
			Field:   fmt.Sprintf("items[%d].quantity", index),
			Message: "item quantity must be between 1 and 10",
		}
	}
	if item.UnitPrice.LessThan(minItemPrice) {
		return ValidationError{
			Field:   fmt.Sprintf("items[%d].unit_price", index),
			Message: "item price must be at least 0.01",
		}
	}
	if item.UnitPrice.GreaterThan(maxItemPrice) {
		return ValidationError{
			Field:   fmt.Sprintf("items[%d].unit_price", index),
			Message: "item price must be less than or equal to 999.99",
		}
	}
	return nil
}
