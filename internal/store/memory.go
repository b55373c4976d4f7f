package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pickup-orders/internal/models"
	"pickup-orders/internal/oplock"
)

// Memory is an in-process Store with the same version-CAS contract as the
// Postgres implementation. It backs the package tests.
type Memory struct {
	mu     sync.RWMutex
	orders map[string]*models.Order
	auths  map[string]*models.PaymentAuthorization
	slots  map[string]*models.PickupSlot
	logs   map[string][]models.StatusLogEntry
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders: make(map[string]*models.Order),
		auths:  make(map[string]*models.PaymentAuthorization),
		slots:  make(map[string]*models.PickupSlot),
		logs:   make(map[string][]models.StatusLogEntry),
	}
}

func (m *Memory) CreateOrder(ctx context.Context, order *models.Order, auth *models.PaymentAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.ID]; exists {
		return fmt.Errorf("order %s already exists", order.ID)
	}
	now := time.Now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	m.orders[order.ID] = order.Clone()
	m.auths[auth.OrderID] = auth.Clone()
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[order.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return oplock.ErrConflict
	}

	order.Version = expectedVersion + 1
	order.UpdatedAt = time.Now().UTC()
	stored := order.Clone()
	// Reminder bookkeeping lives outside the guarded write; a caller's stale
	// draft must not roll it back.
	stored.ReminderLevel = cur.ReminderLevel
	m.orders[order.ID] = stored
	return nil
}

func (m *Memory) MarkReminder(ctx context.Context, orderID string, level models.ReminderLevel) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.State != models.StatePlaced || cur.ReminderLevel >= level {
		return false, nil
	}
	cur.ReminderLevel = level
	cur.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) ListPlaced(ctx context.Context) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Order
	for _, o := range m.orders {
		if o.State == models.StatePlaced {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ServerReceivedAt.Before(out[j].ServerReceivedAt)
	})
	return out, nil
}

func (m *Memory) NextOrderSequence(ctx context.Context, date time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := "PU_" + date.Format("20060102") + "_"
	max := 0
	for _, o := range m.orders {
		if !strings.HasPrefix(o.Number, prefix) {
			continue
		}
		var seq int
		if _, err := fmt.Sscanf(o.Number[len(prefix):], "%d", &seq); err == nil && seq > max {
			max = seq
		}
	}
	return max + 1, nil
}

func (m *Memory) GetAuthorization(ctx context.Context, orderID string) (*models.PaymentAuthorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.auths[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (m *Memory) UpdateAuthorization(ctx context.Context, auth *models.PaymentAuthorization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.auths[auth.OrderID]; !ok {
		return ErrNotFound
	}
	m.auths[auth.OrderID] = auth.Clone()
	return nil
}

func slotKey(restaurantID string, slotTime time.Time) string {
	return restaurantID + "|" + slotTime.UTC().Format(time.RFC3339)
}

func (m *Memory) EnsureSlot(ctx context.Context, restaurantID string, slotTime time.Time, maxCapacity int) (*models.PickupSlot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := slotKey(restaurantID, slotTime)
	if s, ok := m.slots[key]; ok {
		return s.Clone(), nil
	}
	s := &models.PickupSlot{
		ID:              key,
		RestaurantID:    restaurantID,
		SlotTime:        slotTime.UTC(),
		MaxCapacity:     maxCapacity,
		CurrentBookings: 0,
		Version:         1,
	}
	m.slots[key] = s
	return s.Clone(), nil
}

func (m *Memory) GetSlot(ctx context.Context, slotID string) (*models.PickupSlot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.slots[slotID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) UpdateSlot(ctx context.Context, slot *models.PickupSlot, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.slots[slot.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return oplock.ErrConflict
	}

	slot.Version = expectedVersion + 1
	m.slots[slot.ID] = slot.Clone()
	return nil
}

func (m *Memory) AppendStatusLog(ctx context.Context, orderID string, entry models.StatusLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logs[orderID] = append(m.logs[orderID], entry)
	return nil
}

func (m *Memory) GetStatusLog(ctx context.Context, orderID string) ([]models.StatusLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.StatusLogEntry, len(m.logs[orderID]))
	copy(out, m.logs[orderID])
	return out, nil
}
