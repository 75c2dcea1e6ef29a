package fulfillment

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
)

var (
	ErrNotFound               = errors.New("fulfillment: record not found")
	ErrAlreadyExists          = errors.New("fulfillment: record already exists")
	ErrConflict               = errors.New("fulfillment: stale record version")
	ErrInvalidStateTransition = errors.New("fulfillment: invalid state transition")
	ErrSessionRequired        = errors.New("fulfillment: session id is required")
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusInventoryReserved Status = "inventory_reserved"
	StatusLabelPurchased    Status = "label_purchased"
	StatusNotified          Status = "notified"
	StatusFailed            Status = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s Status) Terminal() bool {
	return s == StatusNotified || s == StatusFailed
}

// Record tracks one paid session through fulfillment. SessionID is the
// idempotency key: there is never more than one record per session.
type Record struct {
	SessionID string
	EventID   string
	Status    Status
	Snapshot  checkout.Snapshot
	// CartError is set when the session metadata could not be decoded.
	CartError    string
	ShipmentID   string
	TrackingCode string
	LabelURL     string
	Carrier      string
	Service      string
	Shortfalls   map[string]int
	LastError    string
	AttemptCount int
	// Version increases on every successful save.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// New starts a record in Pending. cartErr is kept so the orchestrator can fail it
// terminally without consulting any provider.
func New(sessionID, eventID string, snapshot checkout.Snapshot, cartErr error) (*Record, error) {
	if sessionID == "" {
		return nil, ErrSessionRequired
	}
	now := time.Now().UTC()
	r := &Record{
		SessionID: sessionID,
		EventID:   eventID,
		Status:    StatusPending,
		Snapshot:  snapshot,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cartErr != nil {
		r.CartError = cartErr.Error()
	}
	return r, nil
}

// HasDestination reports whether the record needs a physical shipment.
func (r *Record) HasDestination() bool {
	return r.Snapshot.Destination != nil && r.Snapshot.Destination.Complete()
}

// InventoryReserved records that every cart line has been decremented.
func (r *Record) InventoryReserved(shortfalls map[string]int) error {
	return r.apply(func(s State) (State, error) { return s.OnInventoryReserved(r, shortfalls) })
}

// LabelPurchased stores tracking data for a bought label.
func (r *Record) LabelPurchased(shipmentID, trackingCode, labelURL, carrier, service string) error {
	return r.apply(func(s State) (State, error) {
		return s.OnLabelPurchased(r, shipmentID, trackingCode, labelURL, carrier, service)
	})
}

// ShipmentSkipped completes an order that has nothing to ship.
func (r *Record) ShipmentSkipped() error {
	return r.apply(func(s State) (State, error) { return s.OnShipmentSkipped(r) })
}

// Notified marks the customer as told; the record is done.
func (r *Record) Notified() error {
	return r.apply(func(s State) (State, error) { return s.OnNotified(r) })
}

// Fail moves the record to the Failed terminal state.
func (r *Record) Fail(reason string) error {
	return r.apply(func(s State) (State, error) { return s.OnFailed(r, reason) })
}

// AttemptFailed counts a retryable failure without changing status.
func (r *Record) AttemptFailed(err error) {
	r.AttemptCount++
	if err != nil {
		r.LastError = err.Error()
	}
	r.touch()
}

// ShipmentCreated remembers the provider shipment before it is bought.
func (r *Record) ShipmentCreated(shipmentID string) {
	r.ShipmentID = shipmentID
	r.touch()
}

// ShortfallsRecorded keeps clamped decrements while the inventory step is
// still in progress, so a retried step that sees them replayed does not lose them.
func (r *Record) ShortfallsRecorded(shortfalls map[string]int) {
	r.mergeShortfalls(shortfalls)
	r.touch()
}

func (r *Record) mergeShortfalls(shortfalls map[string]int) {
	if len(shortfalls) == 0 {
		return
	}
	if r.Shortfalls == nil {
		r.Shortfalls = make(map[string]int, len(shortfalls))
	}
	for productID, qty := range shortfalls {
		r.Shortfalls[productID] += qty
	}
}

func (r *Record) apply(transition func(State) (State, error)) error {
	next, err := transition(stateFor(r.Status))
	if err != nil {
		return err
	}
	r.Status = next.Status()
	r.touch()
	return nil
}

func (r *Record) touch() {
	r.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Shortfalls = maps.Clone(r.Shortfalls)
	c.Snapshot.Items = slices.Clone(r.Snapshot.Items)
	if r.Snapshot.Shipping != nil {
		s := *r.Snapshot.Shipping
		c.Snapshot.Shipping = &s
	}
	if r.Snapshot.Destination != nil {
		d := *r.Snapshot.Destination
		c.Snapshot.Destination = &d
	}
	return &c
}
