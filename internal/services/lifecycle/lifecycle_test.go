package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"pickup-orders/internal/logger"
	"pickup-orders/internal/models"
	"pickup-orders/internal/services/payment"
	"pickup-orders/internal/services/slots"
	"pickup-orders/internal/store"
)

// testClock is a settable clock shared by the engine and the test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{t: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeGateway records one effect per idempotency key, mirroring a gateway
// that deduplicates server-side.
type fakeGateway struct {
	mu          sync.Mutex
	effects     map[string]string // key -> op
	captureFail int
	declineAuth bool
	next        int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{effects: make(map[string]string)}
}

func (g *fakeGateway) Authorize(ctx context.Context, amount decimal.Decimal, currency, token, key string) (payment.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.declineAuth {
		return payment.GatewayResult{}, fmt.Errorf("%w: card refused", payment.ErrDeclined)
	}
	g.effects[key] = "authorize"
	g.next++
	return payment.GatewayResult{GatewayID: fmt.Sprintf("gw-%d", g.next), Status: "authorized"}, nil
}

func (g *fakeGateway) Capture(ctx context.Context, gatewayID, key string) (payment.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.captureFail > 0 {
		g.captureFail--
		return payment.GatewayResult{}, errors.New("gateway unavailable")
	}
	g.effects[key] = "capture"
	return payment.GatewayResult{GatewayID: gatewayID, Status: "captured"}, nil
}

func (g *fakeGateway) Release(ctx context.Context, gatewayID, key string) (payment.GatewayResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.effects[key] = "release"
	return payment.GatewayResult{GatewayID: gatewayID, Status: "released"}, nil
}

func (g *fakeGateway) effectCount(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, o := range g.effects {
		if o == op {
			count++
		}
	}
	return count
}

// recordingNotifier collects published events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []models.NotificationEvent
}

func (n *recordingNotifier) Notify(ctx context.Context, event models.NotificationEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) byType(t models.EventType) []models.NotificationEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.NotificationEvent
	for _, e := range n.events {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	manager  *Manager
	store    *store.Memory
	gateway  *fakeGateway
	notifier *recordingNotifier
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.New("lifecycle-test")
	st := store.NewMemory()
	gw := newFakeGateway()
	notifier := &recordingNotifier{}
	clock := newTestClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	payments := payment.NewCoordinator(gw, st, notifier, log, 2, 2, time.Millisecond)
	payments.SetNow(clock.Now)
	slotMgr := slots.NewManager(st, log, 8)

	manager := NewManager(st, payments, slotMgr, notifier, log, models.DefaultWindows())
	manager.SetNow(clock.Now)

	return &fixture{
		manager:  manager,
		store:    st,
		gateway:  gw,
		notifier: notifier,
		clock:    clock,
	}
}

func (f *fixture) checkout(t *testing.T) *models.Order {
	t.Helper()
	req := &models.CheckoutRequest{
		CustomerID:    "cust-1",
		CustomerToken: "tok-1",
		RestaurantID:  "rest-1",
		PickupTime:    f.clock.Now().Add(45 * time.Minute),
		Currency:      "EUR",
		Items: []models.CheckoutItem{
			{Name: "Ramen", Quantity: 1, UnitPrice: decimal.RequireFromString("11.50")},
		},
	}
	order, err := f.manager.Checkout(context.Background(), req)
	if err != nil {
		t.Fatalf("Checkout returned error: %v", err)
	}
	return order
}

func (f *fixture) slotBookings(t *testing.T, order *models.Order) int {
	t.Helper()
	slot, err := f.store.GetSlot(context.Background(), order.SlotID)
	if err != nil {
		t.Fatalf("GetSlot returned error: %v", err)
	}
	return slot.CurrentBookings
}

func (f *fixture) authStatus(t *testing.T, orderID string) models.AuthorizationStatus {
	t.Helper()
	auth, err := f.store.GetAuthorization(context.Background(), orderID)
	if err != nil {
		t.Fatalf("GetAuthorization returned error: %v", err)
	}
	return auth.Status
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	if order.State != models.StatePlaced || order.Version != 1 {
		t.Fatalf("expected placed v1, got %s v%d", order.State, order.Version)
	}
	if f.authStatus(t, order.ID) != models.AuthAuthorized {
		t.Fatalf("expected an authorized hold after checkout")
	}
	if f.slotBookings(t, order) != 1 {
		t.Fatalf("expected the slot to be booked")
	}

	f.clock.Advance(2 * time.Minute)
	order, err := f.manager.Accept(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	if order.State != models.StateConfirmed || order.Version != 2 {
		t.Fatalf("expected confirmed v2, got %s v%d", order.State, order.Version)
	}
	if f.authStatus(t, order.ID) != models.AuthCaptured {
		t.Fatalf("expected captured funds after acceptance")
	}

	order, err = f.manager.StartPreparing(ctx, order.ID, 2)
	if err != nil {
		t.Fatalf("StartPreparing returned error: %v", err)
	}
	order, err = f.manager.MarkReady(ctx, order.ID, 3)
	if err != nil {
		t.Fatalf("MarkReady returned error: %v", err)
	}
	order, err = f.manager.Complete(ctx, order.ID, 4)
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if order.State != models.StateCompleted || order.Version != 5 {
		t.Fatalf("expected completed v5, got %s v%d", order.State, order.Version)
	}

	if n := f.gateway.effectCount("capture"); n != 1 {
		t.Errorf("expected exactly one capture effect, got %d", n)
	}
	if n := f.gateway.effectCount("release"); n != 0 {
		t.Errorf("expected no release on the happy path, got %d", n)
	}

	history, _ := f.store.GetStatusLog(ctx, order.ID)
	if len(history) != 5 {
		t.Errorf("expected 5 status log entries, got %d", len(history))
	}
}

func TestCancelWithinGrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(3 * time.Minute)

	order, outcome, err := f.manager.Cancel(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if outcome != CancelImmediate {
		t.Errorf("expected immediate cancellation, got %s", outcome)
	}
	if order.State != models.StateCancelled || order.Version != 2 {
		t.Errorf("expected cancelled v2, got %s v%d", order.State, order.Version)
	}
	if f.authStatus(t, order.ID) != models.AuthReleased {
		t.Errorf("expected the hold released after cancellation")
	}
	if f.slotBookings(t, order) != 0 {
		t.Errorf("expected the slot freed after cancellation")
	}
}

func TestCancelAfterGraceBecomesRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(6 * time.Minute)

	order, outcome, err := f.manager.Cancel(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if outcome != CancelRequested {
		t.Errorf("expected a pending request, got %s", outcome)
	}
	if order.State != models.StatePlaced || order.Version != 2 {
		t.Errorf("expected placed v2 with pending request, got %s v%d", order.State, order.Version)
	}
	if order.CancellationRequestedAt == nil {
		t.Errorf("expected the request timestamp recorded")
	}
	if f.authStatus(t, order.ID) != models.AuthAuthorized {
		t.Errorf("a pending request must not touch the hold")
	}

	events := f.notifier.byType(models.EventCancellationRequested)
	if len(events) != 1 || events[0].RecipientID != "rest-1" {
		t.Errorf("expected the restaurant notified of the request, got %+v", events)
	}

	// A second request is rejected while the first is pending.
	if _, _, err := f.manager.Cancel(ctx, order.ID, 2); err == nil {
		t.Errorf("expected a duplicate request to be rejected")
	}
}

func TestApproveCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(6 * time.Minute)
	order, _, err := f.manager.Cancel(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	order, err = f.manager.ApproveCancellation(ctx, order.ID, 2)
	if err != nil {
		t.Fatalf("ApproveCancellation returned error: %v", err)
	}
	if order.State != models.StateCancelled || order.Version != 3 {
		t.Errorf("expected cancelled v3, got %s v%d", order.State, order.Version)
	}
	if f.authStatus(t, order.ID) != models.AuthReleased {
		t.Errorf("expected the hold released after approval")
	}
	if f.slotBookings(t, order) != 0 {
		t.Errorf("expected the slot freed after approval")
	}
}

func TestDenyCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(6 * time.Minute)
	order, _, err := f.manager.Cancel(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	order, err = f.manager.DenyCancellation(ctx, order.ID, 2)
	if err != nil {
		t.Fatalf("DenyCancellation returned error: %v", err)
	}
	if order.State != models.StatePlaced || order.Version != 3 {
		t.Errorf("expected placed v3, got %s v%d", order.State, order.Version)
	}
	if order.CancellationRequestedAt != nil {
		t.Errorf("expected the request cleared after denial")
	}
	if len(f.notifier.byType(models.EventCancellationDenied)) != 1 {
		t.Errorf("expected the customer notified of the denial")
	}
}

func TestAcceptanceWinsRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(2 * time.Minute)

	if _, err := f.manager.Accept(ctx, order.ID, 1); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}

	// The customer still holds version 1; acceptance already won.
	_, _, err := f.manager.Cancel(ctx, order.ID, 1)
	var accepted *AlreadyAcceptedError
	if !errors.As(err, &accepted) {
		t.Fatalf("expected AlreadyAcceptedError, got %v", err)
	}
	if accepted.Current.State != models.StateConfirmed {
		t.Errorf("expected the authoritative confirmed order, got %s", accepted.Current.State)
	}
	if accepted.Error() != "order already accepted, cannot cancel" {
		t.Errorf("unexpected message: %s", accepted.Error())
	}
	if f.authStatus(t, order.ID) != models.AuthCaptured {
		t.Errorf("the lost cancellation must not touch the captured funds")
	}
}

func TestAcceptSupersedesPendingCancellation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(6 * time.Minute)
	order, _, err := f.manager.Cancel(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	order, err = f.manager.Accept(ctx, order.ID, 2)
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	if order.State != models.StateConfirmed || order.CancellationRequestedAt != nil {
		t.Errorf("expected acceptance to clear the pending request, got %s", order.State)
	}
	if len(f.notifier.byType(models.EventCancellationDenied)) != 1 {
		t.Errorf("expected the customer told their request was denied")
	}
}

func TestAcceptAfterWindowRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(10 * time.Minute)

	_, err := f.manager.Accept(ctx, order.ID, 1)
	var precond *PreconditionError
	if !errors.As(err, &precond) {
		t.Fatalf("expected PreconditionError, got %v", err)
	}
	if f.authStatus(t, order.ID) != models.AuthAuthorized {
		t.Errorf("a rejected acceptance must not capture")
	}
}

func TestAcceptCaptureFailureKeepsOrderPlaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.gateway.captureFail = 10
	f.clock.Advance(2 * time.Minute)

	_, err := f.manager.Accept(ctx, order.ID, 1)
	var perr *payment.PaymentError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PaymentError, got %v", err)
	}

	current, _ := f.store.GetOrder(ctx, order.ID)
	if current.State != models.StatePlaced || current.Version != 1 {
		t.Errorf("expected the order untouched at placed v1, got %s v%d", current.State, current.Version)
	}
	if len(f.notifier.byType(models.EventCaptureFailed)) != 1 {
		t.Errorf("expected a capture incident")
	}

	// The retried acceptance settles the original capture exactly once.
	f.gateway.captureFail = 0
	order, err = f.manager.Accept(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("retried Accept returned error: %v", err)
	}
	if order.State != models.StateConfirmed {
		t.Errorf("expected confirmed after retry, got %s", order.State)
	}
	if n := f.gateway.effectCount("capture"); n != 1 {
		t.Errorf("expected exactly one capture effect, got %d", n)
	}
}

func TestRejectReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	order, err := f.manager.Reject(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	if order.State != models.StateCancelled {
		t.Errorf("expected cancelled, got %s", order.State)
	}
	if f.authStatus(t, order.ID) != models.AuthReleased {
		t.Errorf("expected the hold released after rejection")
	}
	if f.slotBookings(t, order) != 0 {
		t.Errorf("expected the slot freed after rejection")
	}
}

func TestNoShowForfeitsFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	f.clock.Advance(time.Minute)
	order, err := f.manager.Accept(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}
	order, _ = f.manager.StartPreparing(ctx, order.ID, 2)
	order, _ = f.manager.MarkReady(ctx, order.ID, 3)

	// Too early: pickup + 15 minutes has not elapsed.
	if _, err := f.manager.MarkNoShow(ctx, order.ID, 4); err == nil {
		t.Fatalf("expected no-show to be rejected before the grace elapses")
	}

	f.clock.Advance(61 * time.Minute) // past pickup (44m away) + 15m grace
	order, err = f.manager.MarkNoShow(ctx, order.ID, 4)
	if err != nil {
		t.Fatalf("MarkNoShow returned error: %v", err)
	}
	if order.State != models.StateNoShow || !order.Forfeited {
		t.Errorf("expected a forfeited no_show order, got %s forfeited=%v", order.State, order.Forfeited)
	}
	if f.authStatus(t, order.ID) != models.AuthCaptured {
		t.Errorf("forfeited funds stay captured, got %s", f.authStatus(t, order.ID))
	}
	if f.slotBookings(t, order) != 1 {
		t.Errorf("a passed slot is not released on no-show")
	}
}

func TestTerminalStatesRejectMutations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	order, _, err := f.manager.Cancel(ctx, order.ID, 1)
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	if _, err := f.manager.Accept(ctx, order.ID, 2); err == nil {
		t.Errorf("expected acceptance of a cancelled order to fail")
	}
	if _, _, err := f.manager.Cancel(ctx, order.ID, 2); err == nil {
		t.Errorf("expected cancellation of a cancelled order to fail")
	}

	var invalid models.InvalidTransitionError
	_, err = f.manager.StartPreparing(ctx, order.ID, 2)
	if !errors.As(err, &invalid) {
		t.Errorf("expected InvalidTransitionError, got %v", err)
	}
}

func TestStaleVersionConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)
	if _, err := f.manager.Accept(ctx, order.ID, 1); err != nil {
		t.Fatalf("Accept returned error: %v", err)
	}

	_, err := f.manager.StartPreparing(ctx, order.ID, 1)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Current.Version != 2 {
		t.Errorf("expected the authoritative version 2, got %d", conflict.Current.Version)
	}
}

func TestConcurrentAcceptsOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order := f.checkout(t)

	const racers = 4
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.manager.Accept(ctx, order.ID, 1)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("expected exactly one accepted writer, got %d", winners)
	}

	current, _ := f.store.GetOrder(ctx, order.ID)
	if current.State != models.StateConfirmed || current.Version != 2 {
		t.Errorf("expected confirmed v2, got %s v%d", current.State, current.Version)
	}
	if n := f.gateway.effectCount("capture"); n != 1 {
		t.Errorf("expected exactly one capture effect, got %d", n)
	}
}

// sequenceFailingStore fails the order-number read to exercise the checkout
// compensation path.
type sequenceFailingStore struct {
	*store.Memory
}

func (s *sequenceFailingStore) NextOrderSequence(ctx context.Context, date time.Time) (int, error) {
	return 0, errors.New("sequence read failed")
}

func TestSequenceFailureAbortsCheckout(t *testing.T) {
	log := logger.New("lifecycle-test")
	st := &sequenceFailingStore{Memory: store.NewMemory()}
	gw := newFakeGateway()
	notifier := &recordingNotifier{}
	clock := newTestClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

	payments := payment.NewCoordinator(gw, st, notifier, log, 2, 2, time.Millisecond)
	slotMgr := slots.NewManager(st, log, 8)
	manager := NewManager(st, payments, slotMgr, notifier, log, models.DefaultWindows())
	manager.SetNow(clock.Now)

	req := &models.CheckoutRequest{
		CustomerID:    "cust-1",
		CustomerToken: "tok-1",
		RestaurantID:  "rest-1",
		PickupTime:    clock.Now().Add(45 * time.Minute),
		Currency:      "EUR",
		Items: []models.CheckoutItem{
			{Name: "Ramen", Quantity: 1, UnitPrice: decimal.RequireFromString("11.50")},
		},
	}

	if _, err := manager.Checkout(context.Background(), req); err == nil {
		t.Fatalf("expected checkout to fail when the sequence read fails")
	}

	// Both the hold and the slot reservation are compensated.
	if n := gw.effectCount("release"); n != 1 {
		t.Errorf("expected the hold released at the gateway, got %d release effects", n)
	}
	slot, err := st.EnsureSlot(context.Background(), "rest-1",
		models.SlotBucket(req.PickupTime), 8)
	if err != nil {
		t.Fatalf("EnsureSlot returned error: %v", err)
	}
	if slot.CurrentBookings != 0 {
		t.Errorf("expected the slot freed, got %d bookings", slot.CurrentBookings)
	}
}

func TestDeclinedAuthorizationAbortsCheckout(t *testing.T) {
	f := newFixture(t)
	f.gateway.declineAuth = true

	req := &models.CheckoutRequest{
		CustomerID:    "cust-1",
		CustomerToken: "tok-1",
		RestaurantID:  "rest-1",
		PickupTime:    f.clock.Now().Add(45 * time.Minute),
		Currency:      "EUR",
		Items: []models.CheckoutItem{
			{Name: "Ramen", Quantity: 1, UnitPrice: decimal.RequireFromString("11.50")},
		},
	}

	_, err := f.manager.Checkout(context.Background(), req)
	var perr *payment.PaymentError
	if !errors.As(err, &perr) || !perr.Declined {
		t.Fatalf("expected declined PaymentError, got %v", err)
	}

	// The slot reservation is compensated.
	slot, err := f.store.EnsureSlot(context.Background(), "rest-1",
		models.SlotBucket(req.PickupTime), 8)
	if err != nil {
		t.Fatalf("EnsureSlot returned error: %v", err)
	}
	if slot.CurrentBookings != 0 {
		t.Errorf("expected the slot freed after the declined checkout, got %d bookings", slot.CurrentBookings)
	}
}
