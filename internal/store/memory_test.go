package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pickup-orders/internal/models"
	"pickup-orders/internal/oplock"
)

func seedOrder(t *testing.T, m *Memory, id string) *models.Order {
	t.Helper()
	return seedOrderAt(t, m, id, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
}

func seedOrderAt(t *testing.T, m *Memory, id string, received time.Time) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:               id,
		Number:           "PU_20260310_001",
		RestaurantID:     "rest-1",
		CustomerID:       "cust-1",
		State:            models.StatePlaced,
		Version:          1,
		TotalAmount:      decimal.RequireFromString("20.00"),
		Currency:         "EUR",
		PickupTime:       time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC),
		ServerReceivedAt: received,
	}
	auth := &models.PaymentAuthorization{
		OrderID:    id,
		GatewayRef: "gw-" + id,
		Status:     models.AuthAuthorized,
		Amount:     order.TotalAmount,
		Currency:   "EUR",
	}
	if err := m.CreateOrder(context.Background(), order, auth); err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	return order
}

func TestMemoryUpdateOrderVersionGuard(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedOrder(t, m, "o1")

	order, err := m.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("GetOrder returned error: %v", err)
	}

	order.State = models.StateConfirmed
	if err := m.UpdateOrder(ctx, order, 1); err != nil {
		t.Fatalf("UpdateOrder returned error: %v", err)
	}
	if order.Version != 2 {
		t.Errorf("expected version 2 after commit, got %d", order.Version)
	}

	// A writer still holding version 1 must lose.
	stale := order.Clone()
	stale.State = models.StateCancelled
	if err := m.UpdateOrder(ctx, stale, 1); !errors.Is(err, oplock.ErrConflict) {
		t.Errorf("expected oplock.ErrConflict for stale version, got %v", err)
	}

	current, err := m.GetOrder(ctx, "o1")
	if err != nil {
		t.Fatalf("GetOrder returned error: %v", err)
	}
	if current.State != models.StateConfirmed || current.Version != 2 {
		t.Errorf("lost race must leave no partial effect: state=%s version=%d", current.State, current.Version)
	}
}

func TestMemoryUpdateOrderExactlyOneWinner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedOrder(t, m, "o1")

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, err := m.GetOrder(ctx, "o1")
			if err != nil {
				errs[i] = err
				return
			}
			order.State = models.StateConfirmed
			errs[i] = m.UpdateOrder(ctx, order, 1)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, oplock.ErrConflict) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}

	current, _ := m.GetOrder(ctx, "o1")
	if current.Version != 2 {
		t.Errorf("expected version 2 after one committed write, got %d", current.Version)
	}
}

func TestMemoryGetOrderNotFound(t *testing.T) {
	m := NewMemory()
	if _, err := m.GetOrder(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryGetOrderReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedOrder(t, m, "o1")

	first, _ := m.GetOrder(ctx, "o1")
	first.State = models.StateCancelled

	second, _ := m.GetOrder(ctx, "o1")
	if second.State != models.StatePlaced {
		t.Errorf("mutating a read result must not touch stored state")
	}
}

func TestMemoryListPlaced(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	received := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	seedOrderAt(t, m, "o1", received)
	seedOrderAt(t, m, "o2", received.Add(-time.Minute))

	confirmed := seedOrderAt(t, m, "o3", received)
	confirmed.State = models.StateConfirmed
	if err := m.UpdateOrder(ctx, confirmed, 1); err != nil {
		t.Fatalf("UpdateOrder returned error: %v", err)
	}

	placed, err := m.ListPlaced(ctx)
	if err != nil {
		t.Fatalf("ListPlaced returned error: %v", err)
	}
	if len(placed) != 2 {
		t.Fatalf("expected 2 placed orders, got %d", len(placed))
	}
	if placed[0].ID != "o2" || placed[1].ID != "o1" {
		t.Errorf("expected oldest first, got %s, %s", placed[0].ID, placed[1].ID)
	}
}

func TestMemoryNextOrderSequence(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	date := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	seq, err := m.NextOrderSequence(ctx, date)
	if err != nil {
		t.Fatalf("NextOrderSequence returned error: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected first sequence 1, got %d", seq)
	}

	seedOrder(t, m, "o1") // PU_20260310_001
	seq, _ = m.NextOrderSequence(ctx, date)
	if seq != 2 {
		t.Errorf("expected sequence 2, got %d", seq)
	}

	otherDay := date.AddDate(0, 0, 1)
	seq, _ = m.NextOrderSequence(ctx, otherDay)
	if seq != 1 {
		t.Errorf("expected sequence to reset per day, got %d", seq)
	}
}

func TestMemoryMarkReminder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedOrder(t, m, "o1")

	marked, err := m.MarkReminder(ctx, "o1", models.ReminderSoft)
	if err != nil || !marked {
		t.Fatalf("expected the level raised, got marked=%v err=%v", marked, err)
	}

	order, _ := m.GetOrder(ctx, "o1")
	if order.ReminderLevel != models.ReminderSoft {
		t.Errorf("expected soft level, got %d", order.ReminderLevel)
	}
	if order.Version != 1 {
		t.Errorf("marking a reminder must not consume a version, got %d", order.Version)
	}

	// The level only moves up.
	if marked, _ = m.MarkReminder(ctx, "o1", models.ReminderSoft); marked {
		t.Errorf("expected a repeated mark to be a no-op")
	}
	if marked, _ = m.MarkReminder(ctx, "o1", models.ReminderUrgent); !marked {
		t.Errorf("expected escalation to urgent")
	}

	// A guarded write from a draft read before the mark keeps the level.
	stale := order.Clone()
	stale.State = models.StateConfirmed
	if err := m.UpdateOrder(ctx, stale, 1); err != nil {
		t.Fatalf("UpdateOrder returned error: %v", err)
	}
	current, _ := m.GetOrder(ctx, "o1")
	if current.ReminderLevel != models.ReminderUrgent {
		t.Errorf("expected the reminder level preserved across the guarded write, got %d", current.ReminderLevel)
	}

	// Once the order leaves placed, reminders stop.
	if marked, _ = m.MarkReminder(ctx, "o1", models.ReminderUrgent); marked {
		t.Errorf("expected no reminder on a non-placed order")
	}

	if _, err := m.MarkReminder(ctx, "missing", models.ReminderSoft); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMemorySlotVersionGuard(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	slotTime := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)

	slot, err := m.EnsureSlot(ctx, "rest-1", slotTime, 8)
	if err != nil {
		t.Fatalf("EnsureSlot returned error: %v", err)
	}
	if slot.Version != 1 || slot.CurrentBookings != 0 {
		t.Fatalf("unexpected fresh slot: %+v", slot)
	}

	again, _ := m.EnsureSlot(ctx, "rest-1", slotTime, 8)
	if again.ID != slot.ID {
		t.Errorf("EnsureSlot must be idempotent per (restaurant, time)")
	}

	slot.CurrentBookings = 1
	if err := m.UpdateSlot(ctx, slot, 1); err != nil {
		t.Fatalf("UpdateSlot returned error: %v", err)
	}

	stale := slot.Clone()
	stale.CurrentBookings = 2
	if err := m.UpdateSlot(ctx, stale, 1); !errors.Is(err, oplock.ErrConflict) {
		t.Errorf("expected oplock.ErrConflict for stale slot version, got %v", err)
	}
}

func TestMemoryStatusLog(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	seedOrder(t, m, "o1")

	entries := []models.StatusLogEntry{
		{State: models.StatePlaced, ChangedBy: "customer"},
		{State: models.StateConfirmed, ChangedBy: "restaurant"},
	}
	for _, e := range entries {
		if err := m.AppendStatusLog(ctx, "o1", e); err != nil {
			t.Fatalf("AppendStatusLog returned error: %v", err)
		}
	}

	log, err := m.GetStatusLog(ctx, "o1")
	if err != nil {
		t.Fatalf("GetStatusLog returned error: %v", err)
	}
	if len(log) != 2 || log[0].State != models.StatePlaced || log[1].State != models.StateConfirmed {
		t.Errorf("unexpected status log: %+v", log)
	}
}
