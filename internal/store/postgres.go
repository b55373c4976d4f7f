package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"pickup-orders/internal/database"
	"pickup-orders/internal/models"
	"pickup-orders/internal/oplock"
)

// Postgres is the production Store backed by pgx.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a Store over the given connection pool.
func NewPostgres(db *database.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) CreateOrder(ctx context.Context, order *models.Order, auth *models.PaymentAuthorization) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create order: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, database.InsertOrderSQL,
		order.ID, order.Number, order.RestaurantID, order.CustomerID, order.State, order.Version,
		order.TotalAmount.StringFixed(2), order.Currency, order.PickupTime, order.ServerReceivedAt,
		int(order.ReminderLevel), order.Forfeited, order.SlotID,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx, database.InsertOrderItemSQL,
			order.ID, item.Name, item.Quantity, item.UnitPrice.StringFixed(2))
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	_, err = tx.Exec(ctx, database.InsertAuthorizationSQL,
		auth.OrderID, auth.GatewayRef, auth.Status, auth.Amount.StringFixed(2), auth.Currency,
		auth.AuthorizeKey, auth.CaptureKey, auth.ReleaseKey, auth.AuthorizedAt)
	if err != nil {
		return fmt.Errorf("insert authorization: %w", err)
	}

	return tx.Commit(ctx)
}

func (p *Postgres) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	row := p.db.QueryRow(ctx, database.GetOrderByIDSQL, orderID)
	order, err := scanOrder(row)
	if err != nil {
		return nil, err
	}
	if err := p.loadItems(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (p *Postgres) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error {
	ct, err := p.db.Pool.Exec(ctx, database.UpdateOrderGuardedSQL,
		order.State, order.CancellationRequestedAt, order.Forfeited,
		order.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("guarded order update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var v int64
		err := p.db.QueryRow(ctx, database.GetOrderVersionSQL, order.ID).Scan(&v)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reread order version: %w", err)
		}
		return oplock.ErrConflict
	}
	order.Version = expectedVersion + 1
	order.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Postgres) MarkReminder(ctx context.Context, orderID string, level models.ReminderLevel) (bool, error) {
	ct, err := p.db.Pool.Exec(ctx, database.MarkReminderSQL, int(level), orderID)
	if err != nil {
		return false, fmt.Errorf("mark reminder: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

func (p *Postgres) ListPlaced(ctx context.Context) ([]*models.Order, error) {
	rows, err := p.db.Query(ctx, database.ListPlacedSQL)
	if err != nil {
		return nil, fmt.Errorf("list placed orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, order := range orders {
		if err := p.loadItems(ctx, order); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (p *Postgres) NextOrderSequence(ctx context.Context, date time.Time) (int, error) {
	pattern := "PU_" + date.Format("20060102") + "_%"
	var seq int
	err := p.db.QueryRow(ctx, database.NextOrderSequenceSQL, pattern).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next order sequence: %w", err)
	}
	return seq, nil
}

func (p *Postgres) GetAuthorization(ctx context.Context, orderID string) (*models.PaymentAuthorization, error) {
	var (
		auth      models.PaymentAuthorization
		amountStr string
	)
	err := p.db.QueryRow(ctx, database.GetAuthorizationSQL, orderID).Scan(
		&auth.OrderID, &auth.GatewayRef, &auth.Status, &amountStr, &auth.Currency,
		&auth.AuthorizeKey, &auth.CaptureKey, &auth.ReleaseKey,
		&auth.AuthorizedAt, &auth.CapturedAt, &auth.ReleasedAt, &auth.FailedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get authorization: %w", err)
	}
	auth.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse authorization amount: %w", err)
	}
	return &auth, nil
}

func (p *Postgres) UpdateAuthorization(ctx context.Context, auth *models.PaymentAuthorization) error {
	ct, err := p.db.Pool.Exec(ctx, database.UpdateAuthorizationSQL,
		auth.Status, auth.CapturedAt, auth.ReleasedAt, auth.FailedAt, auth.OrderID)
	if err != nil {
		return fmt.Errorf("update authorization: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnsureSlot(ctx context.Context, restaurantID string, slotTime time.Time, maxCapacity int) (*models.PickupSlot, error) {
	err := p.db.Exec(ctx, database.EnsureSlotSQL, uuid.NewString(), restaurantID, slotTime.UTC(), maxCapacity)
	if err != nil {
		return nil, fmt.Errorf("ensure slot: %w", err)
	}

	var slot models.PickupSlot
	err = p.db.QueryRow(ctx, database.GetSlotSQL, restaurantID, slotTime.UTC()).Scan(
		&slot.ID, &slot.RestaurantID, &slot.SlotTime, &slot.MaxCapacity, &slot.CurrentBookings, &slot.Version)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return &slot, nil
}

func (p *Postgres) GetSlot(ctx context.Context, slotID string) (*models.PickupSlot, error) {
	var slot models.PickupSlot
	err := p.db.QueryRow(ctx, database.GetSlotByIDSQL, slotID).Scan(
		&slot.ID, &slot.RestaurantID, &slot.SlotTime, &slot.MaxCapacity, &slot.CurrentBookings, &slot.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get slot by id: %w", err)
	}
	return &slot, nil
}

func (p *Postgres) UpdateSlot(ctx context.Context, slot *models.PickupSlot, expectedVersion int64) error {
	ct, err := p.db.Pool.Exec(ctx, database.UpdateSlotGuardedSQL,
		slot.CurrentBookings, slot.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("guarded slot update: %w", err)
	}
	if ct.RowsAffected() == 0 {
		var v int64
		err := p.db.QueryRow(ctx, database.GetSlotVersionSQL, slot.ID).Scan(&v)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("reread slot version: %w", err)
		}
		return oplock.ErrConflict
	}
	slot.Version = expectedVersion + 1
	return nil
}

func (p *Postgres) AppendStatusLog(ctx context.Context, orderID string, entry models.StatusLogEntry) error {
	return p.db.Exec(ctx, database.InsertStatusLogSQL, orderID, entry.State, entry.ChangedBy, entry.Notes)
}

func (p *Postgres) GetStatusLog(ctx context.Context, orderID string) ([]models.StatusLogEntry, error) {
	rows, err := p.db.Query(ctx, database.GetStatusLogSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("get status log: %w", err)
	}
	defer rows.Close()

	var entries []models.StatusLogEntry
	for rows.Next() {
		var e models.StatusLogEntry
		if err := rows.Scan(&e.State, &e.ChangedBy, &e.ChangedAt, &e.Notes); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *Postgres) loadItems(ctx context.Context, order *models.Order) error {
	rows, err := p.db.Query(ctx, database.GetOrderItemsSQL, order.ID)
	if err != nil {
		return fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     models.OrderItem
			priceStr string
		)
		if err := rows.Scan(&item.ID, &item.Name, &item.Quantity, &priceStr); err != nil {
			return err
		}
		item.UnitPrice, err = decimal.NewFromString(priceStr)
		if err != nil {
			return fmt.Errorf("parse item price: %w", err)
		}
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

// scanOrder scans an order row in the GetOrderByIDSQL column order.
func scanOrder(row pgx.Row) (*models.Order, error) {
	var (
		order     models.Order
		amountStr string
		reminder  int
	)
	err := row.Scan(
		&order.ID, &order.Number, &order.RestaurantID, &order.CustomerID, &order.State, &order.Version,
		&amountStr, &order.Currency, &order.PickupTime, &order.ServerReceivedAt,
		&order.CancellationRequestedAt, &reminder, &order.Forfeited,
		&order.SlotID, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	order.ReminderLevel = models.ReminderLevel(reminder)
	order.TotalAmount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse order amount: %w", err)
	}
	return &order, nil
}
