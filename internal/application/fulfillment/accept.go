package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"go.opentelemetry.io/otel/attribute"
)

const (
	useCaseAccept = "fulfillment.accept"
	peerOutbox    = "outbox"

	publishTimeout = 300 * time.Millisecond
)

// ErrRepository marks a failure of the record store rather than of the event.
var ErrRepository = errors.New("fulfillment: repository failure")

type AcceptInput struct {
	Event payment.Event
}

type AcceptResult struct {
	SessionID string
	Status    domain.Status
	// Ignored is set for event types fulfillment does not act on.
	Ignored bool
	// Duplicate is set when a record for the session already existed.
	Duplicate bool
}

// AcceptUseCase turns a verified payment event into a stored record and hands the
// rest of the work to the bus. It returns once the record is durable.
type AcceptUseCase struct {
	repo      domain.Repository
	publisher domoutbox.Publisher
	instruments
}

func NewAcceptUseCase(repo domain.Repository, publisher domoutbox.Publisher, tel observability.Observability) *AcceptUseCase {
	return &AcceptUseCase{
		repo:        repo,
		publisher:   publisher,
		instruments: newInstruments(tel, "fulfillment_accept"),
	}
}

func (uc *AcceptUseCase) Execute(ctx context.Context, in AcceptInput) (_ *AcceptResult, err error) {
	evt := in.Event
	ctx, r := uc.begin(ctx, useCaseAccept, "AcceptPayment",
		attribute.String("payment.event_id", evt.ID),
		attribute.String("payment.event_type", string(evt.Type)),
	)
	r.with(
		observability.F("event_id", evt.ID),
		observability.F("event_type", evt.ProviderType),
	)
	defer func() { r.end(err) }()

	if evt.Type != payment.EventSessionCompleted {
		r.set("ignored", "EVENT_IGNORED")
		return &AcceptResult{SessionID: evt.SessionID, Ignored: true}, nil
	}

	sessionID := evt.SessionID
	if evt.Session != nil && evt.Session.ID != "" {
		sessionID = evt.Session.ID
	}
	if sessionID == "" {
		r.set("error", "SESSION_ID_REQUIRED")
		return nil, domain.ErrSessionRequired
	}
	r.with(observability.F("session_id", sessionID))

	snapshot, cartErr := snapshotFor(evt.Session)
	if cartErr != nil {
		r.logger.Warn("cart_decode_failed",
			observability.F("session_id", sessionID),
			observability.F("error", cartErr.Error()),
		)
	}

	rec, err := domain.New(sessionID, evt.ID, snapshot, cartErr)
	if err != nil {
		r.set("error", "RECORD_INVALID")
		return nil, err
	}

	res := &AcceptResult{SessionID: sessionID, Status: rec.Status}
	if err = uc.repo.Create(ctx, rec); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			r.set("error", "REPO_CREATE_FAILED")
			return nil, fmt.Errorf("%w: create %s: %w", ErrRepository, sessionID, err)
		}
		existing, getErr := uc.repo.Get(ctx, sessionID)
		if getErr != nil {
			err = getErr
			r.set("error", "REPO_GET_FAILED")
			return nil, fmt.Errorf("%w: get %s: %w", ErrRepository, sessionID, err)
		}
		err = nil
		res.Duplicate = true
		res.Status = existing.Status
		r.set("success", "DUPLICATE")
		if existing.Status.Terminal() {
			return res, nil
		}
	}

	uc.request(ctx, r, sessionID, "webhook")
	return res, nil
}

// request publishes fulfillment.requested. Failure is logged only: the record is
// stored and the sweeper will pick it up.
func (uc *AcceptUseCase) request(ctx context.Context, r *run, sessionID, trigger string) {
	if uc.publisher == nil {
		return
	}
	ctxPub, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	start := time.Now()
	err := uc.publisher.Publish(ctxPub, domain.NewRequestedEvent(sessionID, trigger))
	uc.external(peerOutbox, domain.RequestedEvent{}.EventName(), start, err)
	if err != nil {
		r.span.RecordError(err)
		r.status = "EVENT_PUBLISH_FAILED"
		r.logger.Warn("event_publish_failed",
			observability.F("event", domain.RequestedEvent{}.EventName()),
			observability.F("session_id", sessionID),
			observability.F("error", err.Error()),
		)
	}
}

// snapshotFor extracts everything fulfillment needs from the session so a resumed
// run never depends on the event again.
func snapshotFor(s *payment.Session) (checkout.Snapshot, error) {
	if s == nil {
		return checkout.Snapshot{}, fmt.Errorf("%w: event carries no session", checkout.ErrMissingCartData)
	}
	snap := checkout.Snapshot{
		Customer: checkout.Customer{
			Email: s.CustomerEmail,
			Name:  s.CustomerName,
			Phone: s.CustomerPhone,
		},
	}
	if s.Shipping != nil {
		addr := s.Shipping.Normalize()
		if addr.Name == "" {
			addr.Name = s.CustomerName
		}
		snap.Destination = &addr
	}

	cart, err := checkout.DecodeMetadata(s.Metadata)
	if err != nil {
		return snap, err
	}
	snap.Items = cart.Items
	snap.Shipping = cart.Shipping
	snap.Minimal = cart.Minimal
	return snap, nil
}
