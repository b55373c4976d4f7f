// Package scheduler drives the time-based order transitions: acceptance
// reminders, auto-reject of unanswered orders and auto-approval of stale
// cancellation requests. One logical instance sweeps at a time.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"pickup-orders/internal/logger"
	"pickup-orders/internal/models"
)

// Lifecycle is the slice of the order engine the sweeper drives.
type Lifecycle interface {
	AutoReject(ctx context.Context, order *models.Order) error
	AutoApproveCancellation(ctx context.Context, order *models.Order) error
	SendReminder(ctx context.Context, order *models.Order, level models.ReminderLevel) error
}

// Lister loads the orders still waiting on the restaurant.
type Lister interface {
	ListPlaced(ctx context.Context) ([]*models.Order, error)
}

// LeaderGate decides whether this process may run a sweep. Deployments with a
// single scheduler replica use SingleInstanceGate; multi-replica setups plug
// in a lease-backed gate.
type LeaderGate interface {
	IsLeader(ctx context.Context) bool
}

// SingleInstanceGate always holds leadership.
type SingleInstanceGate struct{}

func (SingleInstanceGate) IsLeader(context.Context) bool { return true }

// Sweeper periodically evaluates placed orders against the time windows.
// Sweeps are idempotent: every action it triggers re-checks state and version
// at commit time, so an overlapping or repeated sweep cannot double-fire.
type Sweeper struct {
	lifecycle   Lifecycle
	lister      Lister
	gate        LeaderGate
	logger      *logger.Logger
	windows     models.Windows
	interval    time.Duration
	maxParallel int
	now         func() time.Time
}

// NewSweeper creates a sweeper.
func NewSweeper(lc Lifecycle, lister Lister, gate LeaderGate, log *logger.Logger,
	windows models.Windows, interval time.Duration, maxParallel int) *Sweeper {
	if gate == nil {
		gate = SingleInstanceGate{}
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxParallel <= 0 {
		maxParallel = 10
	}
	return &Sweeper{
		lifecycle:   lc,
		lister:      lister,
		gate:        gate,
		logger:      log,
		windows:     windows,
		interval:    interval,
		maxParallel: maxParallel,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetNow overrides the clock, for tests.
func (s *Sweeper) SetNow(now func() time.Time) {
	s.now = now
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("scheduler_started", "Timeout scheduler started", "", map[string]interface{}{
		"sweep_interval": s.interval.String(),
	})

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler_stopped", "Timeout scheduler stopped", "", nil)
			return ctx.Err()
		case <-ticker.C:
			if !s.gate.IsLeader(ctx) {
				continue
			}
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep_failed", "Sweep failed", "", err, nil)
			}
		}
	}
}

// Sweep evaluates every placed order once. Per-order failures are logged and
// the sweep moves on; the next tick retries them.
func (s *Sweeper) Sweep(ctx context.Context) error {
	orders, err := s.lister.ListPlaced(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for _, order := range orders {
		g.Go(func() error {
			if err := s.evaluate(ctx, order); err != nil {
				s.logger.Error("sweep_order_failed", "Failed to evaluate order", "", err,
					map[string]interface{}{"order_id": order.ID, "order_number": order.Number})
			}
			return nil
		})
	}
	return g.Wait()
}

// evaluate routes one order to at most one timeout action. An order with a
// pending cancellation is excluded from auto-reject so the unanswered request
// resolves in the customer's favor instead of racing the accept deadline.
func (s *Sweeper) evaluate(ctx context.Context, order *models.Order) error {
	now := s.now()

	if order.CancellationPending() {
		if now.Sub(*order.CancellationRequestedAt) >= s.windows.CancellationResponse {
			return s.lifecycle.AutoApproveCancellation(ctx, order)
		}
		return nil
	}

	elapsed := now.Sub(order.ServerReceivedAt)
	switch {
	case elapsed >= s.windows.AcceptWindow:
		return s.lifecycle.AutoReject(ctx, order)
	case elapsed >= s.windows.UrgentReminderAfter && order.ReminderLevel < models.ReminderUrgent:
		return s.lifecycle.SendReminder(ctx, order, models.ReminderUrgent)
	case elapsed >= s.windows.SoftReminderAfter && order.ReminderLevel < models.ReminderSoft:
		return s.lifecycle.SendReminder(ctx, order, models.ReminderSoft)
	}
	return nil
}
