package fulfillment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/idempotency"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/notification"
	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLabels struct {
	mu        sync.Mutex
	calls     int
	purchased int
	errs      []error
	requests  []shipping.LabelRequest
}

func (f *fakeLabels) BuyCheapestLabel(ctx context.Context, req shipping.LabelRequest) (shipping.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.requests = append(f.requests, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return shipping.Label{}, err
		}
	}
	if req.ShipmentID == "" && req.Checkpoint != nil {
		if err := req.Checkpoint(ctx, "shp_1"); err != nil {
			return shipping.Label{}, err
		}
	}
	f.purchased++
	return shipping.Label{
		ShipmentID:   "shp_1",
		TrackingCode: "9400TRACK",
		LabelURL:     "https://labels.example/shp_1.png",
		Carrier:      "USPS",
		Service:      "GroundAdvantage",
		Cents:        512,
	}, nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	sent    []notification.ShippedNotice
	errs    []error
	attempt int
}

func (f *fakeNotifier) SendShipped(_ context.Context, n notification.ShippedNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempt++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.sent = append(f.sent, n)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domoutbox.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e domoutbox.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventName())
	}
	return out
}

type harness struct {
	repo     *memory.FulfillmentRepository
	ledger   *memory.Ledger
	labels   *fakeLabels
	notifier *fakeNotifier
	events   *recordingPublisher
	sleeps   []time.Duration
	process  *ProcessUseCase
}

func newHarness(t *testing.T, rows ...inventory.Row) *harness {
	t.Helper()
	h := &harness{
		repo:     memory.NewFulfillmentRepository(),
		ledger:   memory.NewLedger(memory.NewKeyStore(), rows...),
		labels:   &fakeLabels{},
		notifier: &fakeNotifier{},
		events:   &recordingPublisher{},
	}
	h.process = NewProcessUseCase(ProcessDeps{
		Repo:     h.repo,
		Ledger:   h.ledger,
		Labels:   h.labels,
		Notifier: h.notifier,
		Locker:   memory.NewLocker(),
		Events:   h.events,
	}, Policy{MaxAttempts: 5, StepTimeout: time.Second}, nil)
	h.process.sleep = func(_ context.Context, d time.Duration) error {
		h.sleeps = append(h.sleeps, d)
		return nil
	}
	return h
}

var destination = &checkout.Address{
	Name:       "Ash Ketchum",
	Line1:      "1 Pallet Rd",
	City:       "Springfield",
	State:      "IL",
	PostalCode: "62701",
	Country:    "US",
}

func (h *harness) seed(t *testing.T, sessionID string, items []checkout.CartItem, dest *checkout.Address) {
	t.Helper()
	rec, err := domain.New(sessionID, "evt_"+sessionID, checkout.Snapshot{
		Items:       items,
		Customer:    checkout.Customer{Email: "ash@example.com", Name: "Ash Ketchum"},
		Destination: dest,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, h.repo.Create(context.Background(), rec))
}

func (h *harness) quantity(t *testing.T, productID string) int {
	t.Helper()
	q, found, err := h.ledger.GetQuantity(context.Background(), productID)
	require.NoError(t, err)
	require.True(t, found)
	return q
}

func (h *harness) record(t *testing.T, sessionID string) *domain.Record {
	t.Helper()
	rec, err := h.repo.Get(context.Background(), sessionID)
	require.NoError(t, err)
	return rec
}

func TestProcessHappyPath(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)

	assert.Equal(t, 3, h.quantity(t, "A1"))
	rec := h.record(t, "cs_1")
	assert.Equal(t, domain.StatusNotified, rec.Status)
	assert.Equal(t, "9400TRACK", rec.TrackingCode)
	assert.Equal(t, "shp_1", rec.ShipmentID)
	require.Len(t, h.notifier.sent, 1)
	assert.Equal(t, "ash@example.com", h.notifier.sent[0].Email)
	assert.Equal(t, "9400TRACK", h.notifier.sent[0].TrackingCode)
	assert.Equal(t, []string{"fulfillment.completed"}, h.events.names())
}

func TestProcessClampsShortfallAndContinues(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 10}}, destination)

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)

	assert.Equal(t, 0, h.quantity(t, "A1"))
	assert.Equal(t, map[string]int{"A1": 5}, h.record(t, "cs_1").Shortfalls)
}

// conflictOnce fails the first decrement of productID with a write conflict.
type conflictOnce struct {
	inventory.Ledger
	productID string
	tripped   bool
}

func (c *conflictOnce) ApplyDecrement(ctx context.Context, productID string, amount int, key string) (inventory.Decrement, error) {
	if productID == c.productID && !c.tripped {
		c.tripped = true
		return inventory.Decrement{}, inventory.ErrConflict
	}
	return c.Ledger.ApplyDecrement(ctx, productID, amount, key)
}

func TestProcessKeepsShortfallWhenLaterLineConflicts(t *testing.T) {
	h := newHarness(t,
		inventory.Row{ProductID: "A1", QuantityOnHand: 5},
		inventory.Row{ProductID: "B1", QuantityOnHand: 5},
	)
	h.process.deps.Ledger = &conflictOnce{Ledger: h.ledger, productID: "B1"}
	h.seed(t, "cs_1", []checkout.CartItem{
		{ProductID: "A1", Quantity: 10},
		{ProductID: "B1", Quantity: 1},
	}, destination)

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)
	assert.Equal(t, 1, res.Attempts)

	assert.Equal(t, 0, h.quantity(t, "A1"))
	assert.Equal(t, 4, h.quantity(t, "B1"))
	assert.Equal(t, map[string]int{"A1": 5}, h.record(t, "cs_1").Shortfalls)
	assert.Len(t, h.sleeps, 1)
}

// expiringLocker hands out leases that are lost once renewals extends have succeeded.
type expiringLocker struct {
	idempotency.Locker
	renewals int
	extends  int
}

func (l *expiringLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (idempotency.Lease, error) {
	lease, err := l.Locker.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return &expiringLease{Lease: lease, owner: l}, nil
}

type expiringLease struct {
	idempotency.Lease
	owner *expiringLocker
}

func (l *expiringLease) Extend(ctx context.Context, ttl time.Duration) error {
	l.owner.extends++
	if l.owner.extends > l.owner.renewals {
		return idempotency.ErrLeaseLost
	}
	return l.Lease.Extend(ctx, ttl)
}

func TestProcessRenewsLeaseBeforeEveryCall(t *testing.T) {
	h := newHarness(t,
		inventory.Row{ProductID: "A1", QuantityOnHand: 5},
		inventory.Row{ProductID: "B1", QuantityOnHand: 5},
	)
	locker := &expiringLocker{Locker: memory.NewLocker(), renewals: 100}
	h.process.deps.Locker = locker
	h.seed(t, "cs_1", []checkout.CartItem{
		{ProductID: "A1", Quantity: 1},
		{ProductID: "B1", Quantity: 1},
	}, destination)

	_, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	// one per step plus one per extra cart line
	assert.Equal(t, 4, locker.extends)
}

func TestProcessStopsWhenLeaseIsLost(t *testing.T) {
	h := newHarness(t,
		inventory.Row{ProductID: "A1", QuantityOnHand: 5},
		inventory.Row{ProductID: "B1", QuantityOnHand: 5},
	)
	h.process.deps.Locker = &expiringLocker{Locker: memory.NewLocker(), renewals: 1}
	h.seed(t, "cs_1", []checkout.CartItem{
		{ProductID: "A1", Quantity: 10},
		{ProductID: "B1", Quantity: 1},
	}, destination)

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.True(t, res.Busy)
	assert.Empty(t, h.sleeps)

	rec := h.record(t, "cs_1")
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Zero(t, rec.AttemptCount)
	assert.Equal(t, map[string]int{"A1": 5}, rec.Shortfalls)
	assert.Equal(t, 5, h.quantity(t, "B1"))
	assert.Empty(t, h.notifier.sent)
}

func TestProcessSkipsUnknownAndCorruptLines(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{
		{ProductID: "GHOST", Quantity: 1},
		{ProductID: "A1", Quantity: 1},
	}, destination)

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)
	assert.Equal(t, 4, h.quantity(t, "A1"))
}

func TestProcessMergesRepeatedProductLines(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{
		{ProductID: "A1", Quantity: 1},
		{ProductID: "A1", Quantity: 2},
	}, destination)

	_, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, 2, h.quantity(t, "A1"))
}

func TestProcessNoRatesStaysReservedAndRetryable(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)
	h.labels.errs = []error{shipping.ErrNoRatesAvailable}
	h.process.sleep = func(context.Context, time.Duration) error { return context.Canceled }

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shipping.ErrNoRatesAvailable)
	assert.Equal(t, Retryable, Classify(err))
	assert.Equal(t, domain.StatusInventoryReserved, res.Status)

	rec := h.record(t, "cs_1")
	assert.Equal(t, domain.StatusInventoryReserved, rec.Status)
	assert.Equal(t, 1, rec.AttemptCount)
	assert.Contains(t, rec.LastError, "no rates")
	assert.Zero(t, h.labels.purchased)
	assert.Equal(t, 3, h.quantity(t, "A1"))
}

func TestProcessRetriesWithoutRedecrementing(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)
	h.labels.errs = []error{shipping.ErrProviderUnavailable, shipping.ErrNoRatesAvailable}
	h.notifier.errs = []error{errors.New("smtp down")}

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)
	assert.Equal(t, 3, res.Attempts)

	assert.Equal(t, 3, h.quantity(t, "A1"))
	assert.Equal(t, 1, h.labels.purchased)
	assert.Equal(t, 2, h.notifier.attempt)
	assert.Len(t, h.notifier.sent, 1)
	assert.Len(t, h.sleeps, 3)
}

func TestProcessExhaustionFails(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)
	for range 10 {
		h.labels.errs = append(h.labels.errs, shipping.ErrPurchaseFailed)
	}

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, shipping.ErrPurchaseFailed)
	assert.Equal(t, domain.StatusFailed, res.Status)

	rec := h.record(t, "cs_1")
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, 5, rec.AttemptCount)
	assert.Len(t, h.sleeps, 4)
	assert.Equal(t, 5, h.labels.calls)
	assert.Equal(t, 3, h.quantity(t, "A1"), "committed decrement is not rolled back")
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, []string{"fulfillment.failed"}, h.events.names())
}

func TestProcessMissingCartDataFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	rec, err := domain.New("cs_1", "evt_1", checkout.Snapshot{}, checkout.ErrMissingCartData)
	require.NoError(t, err)
	require.NoError(t, h.repo.Create(context.Background(), rec))

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, checkout.ErrMissingCartData)
	assert.Equal(t, domain.StatusFailed, res.Status)
	assert.Empty(t, h.sleeps)
	assert.Zero(t, h.labels.calls)
	assert.Equal(t, 5, h.quantity(t, "A1"))
}

func TestProcessResumesFromInventoryReserved(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)
	rec := h.record(t, "cs_1")
	require.NoError(t, rec.InventoryReserved(nil))
	require.NoError(t, h.repo.Update(context.Background(), rec))

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)
	assert.Equal(t, 5, h.quantity(t, "A1"))
	assert.Equal(t, 1, h.labels.purchased)
	assert.Len(t, h.notifier.sent, 1)
}

func TestProcessReusesCheckpointedShipment(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 1}}, destination)
	rec := h.record(t, "cs_1")
	require.NoError(t, rec.InventoryReserved(nil))
	rec.ShipmentCreated("shp_prev")
	require.NoError(t, h.repo.Update(context.Background(), rec))

	_, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	require.Len(t, h.labels.requests, 1)
	assert.Equal(t, "shp_prev", h.labels.requests[0].ShipmentID)
}

func TestProcessWithoutDestinationSkipsShipment(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 1}}, nil)

	res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)
	assert.Zero(t, h.labels.calls)
	assert.Empty(t, h.notifier.sent)
	assert.Equal(t, 4, h.quantity(t, "A1"))
}

func TestProcessDuplicateDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)

	for range 3 {
		res, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
		require.NoError(t, err)
		assert.Equal(t, domain.StatusNotified, res.Status)
	}
	assert.Equal(t, 3, h.quantity(t, "A1"))
	assert.Equal(t, 1, h.labels.purchased)
	assert.Len(t, h.notifier.sent, 1)
	assert.Len(t, h.events.names(), 1)
}

func TestProcessConcurrentDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_1"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, domain.StatusNotified, h.record(t, "cs_1").Status)
	assert.Equal(t, 3, h.quantity(t, "A1"))
	assert.Equal(t, 1, h.labels.purchased)
	assert.Len(t, h.notifier.sent, 1)
}

func TestProcessUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := h.process.Execute(context.Background(), ProcessInput{SessionID: "cs_missing"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.process.Execute(context.Background(), ProcessInput{})
	assert.ErrorIs(t, err, domain.ErrSessionRequired)
}

func completedEvent(t *testing.T, sessionID string, items []checkout.CartItem) payment.Event {
	t.Helper()
	md, err := checkout.EncodeMetadata(items, nil)
	require.NoError(t, err)
	return payment.Event{
		ID:        "evt_" + sessionID,
		Type:      payment.EventSessionCompleted,
		SessionID: sessionID,
		Session: &payment.Session{
			ID:            sessionID,
			Metadata:      md,
			CustomerEmail: "ash@example.com",
			CustomerName:  "Ash Ketchum",
			Shipping:      &checkout.Address{Line1: " 1 Pallet Rd ", City: "Springfield", PostalCode: "62701"},
		},
	}
}

func TestAcceptStoresRecordAndRequestsProcessing(t *testing.T) {
	repo := memory.NewFulfillmentRepository()
	bus := &recordingPublisher{}
	uc := NewAcceptUseCase(repo, bus, nil)

	res, err := uc.Execute(context.Background(), AcceptInput{
		Event: completedEvent(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}),
	})
	require.NoError(t, err)
	assert.False(t, res.Ignored)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.StatusPending, res.Status)

	rec, err := repo.Get(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "evt_cs_1", rec.EventID)
	assert.Empty(t, rec.CartError)
	require.Len(t, rec.Snapshot.Items, 1)
	assert.Equal(t, 2, rec.Snapshot.Items[0].Quantity)
	require.NotNil(t, rec.Snapshot.Destination)
	assert.Equal(t, "1 Pallet Rd", rec.Snapshot.Destination.Line1)
	assert.Equal(t, "US", rec.Snapshot.Destination.Country)
	assert.Equal(t, "Ash Ketchum", rec.Snapshot.Destination.Name)
	assert.Equal(t, []string{"fulfillment.requested"}, bus.names())
}

func TestAcceptDuplicateDoesNotMutate(t *testing.T) {
	repo := memory.NewFulfillmentRepository()
	bus := &recordingPublisher{}
	uc := NewAcceptUseCase(repo, bus, nil)
	evt := completedEvent(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}})

	_, err := uc.Execute(context.Background(), AcceptInput{Event: evt})
	require.NoError(t, err)
	res, err := uc.Execute(context.Background(), AcceptInput{Event: evt})
	require.NoError(t, err)
	assert.True(t, res.Duplicate)

	rec, err := repo.Get(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.Version)
	assert.Len(t, bus.names(), 2)

	require.NoError(t, rec.InventoryReserved(nil))
	require.NoError(t, rec.ShipmentSkipped())
	require.NoError(t, repo.Update(context.Background(), rec))

	res, err = uc.Execute(context.Background(), AcceptInput{Event: evt})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusNotified, res.Status)
	assert.Len(t, bus.names(), 2, "terminal records are not requested again")
}

func TestAcceptIgnoresOtherEventTypes(t *testing.T) {
	repo := memory.NewFulfillmentRepository()
	bus := &recordingPublisher{}
	uc := NewAcceptUseCase(repo, bus, nil)

	for _, typ := range []payment.EventType{payment.EventSessionExpired, payment.EventOther} {
		res, err := uc.Execute(context.Background(), AcceptInput{Event: payment.Event{ID: "evt_x", Type: typ, SessionID: "cs_x"}})
		require.NoError(t, err)
		assert.True(t, res.Ignored)
	}
	_, err := repo.Get(context.Background(), "cs_x")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, bus.names())
}

func TestAcceptKeepsUndecodableCart(t *testing.T) {
	repo := memory.NewFulfillmentRepository()
	uc := NewAcceptUseCase(repo, &recordingPublisher{}, nil)
	evt := completedEvent(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}})
	evt.Session.Metadata = map[string]string{"unrelated": "x"}

	_, err := uc.Execute(context.Background(), AcceptInput{Event: evt})
	require.NoError(t, err)

	rec, err := repo.Get(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Contains(t, rec.CartError, "missing cart data")
}

func TestAcceptSurvivesPublishFailure(t *testing.T) {
	repo := memory.NewFulfillmentRepository()
	uc := NewAcceptUseCase(repo, &recordingPublisher{err: errors.New("bus stopped")}, nil)

	_, err := uc.Execute(context.Background(), AcceptInput{
		Event: completedEvent(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 1}}),
	})
	require.NoError(t, err)
	_, err = repo.Get(context.Background(), "cs_1")
	assert.NoError(t, err)
}

func TestSweeperRequestsStaleRecords(t *testing.T) {
	repo := memory.NewFulfillmentRepository()
	bus := &recordingPublisher{}
	ctx := context.Background()

	for _, id := range []string{"cs_stale", "cs_done"} {
		rec, err := domain.New(id, "evt", checkout.Snapshot{}, nil)
		require.NoError(t, err)
		require.NoError(t, repo.Create(ctx, rec))
	}
	done, err := repo.Get(ctx, "cs_done")
	require.NoError(t, err)
	require.NoError(t, done.Fail("operator"))
	require.NoError(t, repo.Update(ctx, done))

	s := NewSweeper(repo, bus, time.Minute, time.Minute, nil)
	s.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, bus.events, 1)
	evt := bus.events[0].(domain.RequestedEvent)
	assert.Equal(t, "cs_stale", evt.SessionID)
	assert.Equal(t, "sweeper", evt.Trigger)

	s.now = time.Now
	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type subscriberFunc func(name string, h domoutbox.Handler)

func (f subscriberFunc) Subscribe(name string, h domoutbox.Handler) { f(name, h) }

func TestWorkerRunsProcessForRequestedEvents(t *testing.T) {
	h := newHarness(t, inventory.Row{ProductID: "A1", QuantityOnHand: 5})
	h.seed(t, "cs_1", []checkout.CartItem{{ProductID: "A1", Quantity: 2}}, destination)

	handlers := map[string]domoutbox.Handler{}
	decorated := false
	w := NewWorker(subscriberFunc(func(name string, fn domoutbox.Handler) { handlers[name] = fn }), h.process,
		func(ctx context.Context, _ domoutbox.Event) context.Context {
			decorated = true
			return ctx
		}, nil)
	w.Start()

	handler, ok := handlers["fulfillment.requested"]
	require.True(t, ok)
	require.NoError(t, handler(context.Background(), domain.NewRequestedEvent("cs_1", "webhook")))
	assert.True(t, decorated)
	assert.Equal(t, domain.StatusNotified, h.record(t, "cs_1").Status)

	assert.NoError(t, handler(context.Background(), domain.NewCompletedEvent(h.record(t, "cs_1"))))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Class
	}{
		{checkout.ErrMissingCartData, Terminal},
		{cartDataError{reason: "checkout: missing cart data: no cart key"}, Terminal},
		{inventory.ErrConfig, Terminal},
		{domain.ErrInvalidStateTransition, Terminal},
		{inventory.ErrConflict, Retryable},
		{shipping.ErrNoRatesAvailable, Retryable},
		{shipping.ErrProviderUnavailable, Retryable},
		{shipping.ErrPurchaseFailed, Retryable},
		{context.DeadlineExceeded, Retryable},
		{errors.New("boom"), Retryable},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), tt.err.Error())
	}
}

func TestBackoffIsCappedWithJitter(t *testing.T) {
	p := Policy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	for attempt := 1; attempt <= 10; attempt++ {
		limit := min(100*time.Millisecond<<(attempt-1), time.Second)
		for range 20 {
			d := p.Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(0))
			assert.LessOrEqual(t, d, limit)
		}
	}
}

func TestPolicyLockOutlastsStep(t *testing.T) {
	p := Policy{StepTimeout: time.Minute, LockTTL: 30 * time.Second}.withDefaults()
	assert.Equal(t, 2*time.Minute, p.LockTTL)

	p = Policy{StepTimeout: time.Second}.withDefaults()
	assert.Equal(t, DefaultPolicy().LockTTL, p.LockTTL)
}
