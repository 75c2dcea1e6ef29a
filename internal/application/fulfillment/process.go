package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/idempotency"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/notification"
	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"go.opentelemetry.io/otel/attribute"
)

const (
	useCaseProcess = "fulfillment.process"

	peerLedger   = "inventory_ledger"
	peerShipping = "shipping"
	peerNotifier = "notifier"
)

type ProcessInput struct {
	SessionID string
}

type ProcessResult struct {
	SessionID string
	Status    domain.Status
	// Busy is set when another execution holds the session lease.
	Busy bool
	// Attempts is the record's persisted failed-attempt count.
	Attempts  int
	LastError string
}

// ProcessDeps are the collaborators the orchestrator drives.
type ProcessDeps struct {
	Repo     domain.Repository
	Ledger   inventory.Ledger
	Labels   shipping.LabelPurchaser
	Notifier notification.Notifier
	Locker   idempotency.Locker
	// Events receives completed/failed outcome events; optional.
	Events domoutbox.Publisher
}

// ProcessUseCase drives one record from its current status to Notified or Failed:
// decrement inventory, buy a label, notify the customer. Committed steps are never
// repeated; a retryable failure is counted on the record and retried after a backoff.
type ProcessUseCase struct {
	deps   ProcessDeps
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error

	terminalCounter  observability.Counter
	shortfallCounter observability.Counter
	instruments
}

func NewProcessUseCase(deps ProcessDeps, policy Policy, tel observability.Observability) *ProcessUseCase {
	in := newInstruments(tel, "fulfillment_process")
	if tel == nil {
		tel = observability.Nop()
	}
	return &ProcessUseCase{
		deps:             deps,
		policy:           policy.withDefaults(),
		sleep:            sleepContext,
		terminalCounter:  tel.Metrics().Counter(observability.MFulfillmentTerminal),
		shortfallCounter: tel.Metrics().Counter(observability.MInventoryShortfall),
		instruments:      in,
	}
}

func (uc *ProcessUseCase) Execute(ctx context.Context, in ProcessInput) (_ *ProcessResult, err error) {
	ctx, r := uc.begin(ctx, useCaseProcess, "ProcessFulfillment",
		attribute.String("fulfillment.session_id", in.SessionID),
	)
	r.with(observability.F("session_id", in.SessionID))
	res := &ProcessResult{SessionID: in.SessionID}
	defer func() {
		r.with(
			observability.F("fulfillment_status", string(res.Status)),
			observability.F("attempts", res.Attempts),
		)
		r.span.SetAttributes(attribute.String("fulfillment.status", string(res.Status)))
		r.end(err)
	}()

	if in.SessionID == "" {
		r.set("error", "SESSION_ID_REQUIRED")
		return nil, domain.ErrSessionRequired
	}

	for pass := 1; ; pass++ {
		rec, transitioned, passErr := uc.attempt(ctx, in.SessionID)
		if rec != nil {
			res.Status = rec.Status
			res.Attempts = rec.AttemptCount
			res.LastError = rec.LastError
		}

		switch {
		case errors.Is(passErr, idempotency.ErrLocked), errors.Is(passErr, idempotency.ErrLeaseLost):
			res.Busy = true
			r.set("ignored", "BUSY")
			return res, nil

		case rec != nil && rec.Status == domain.StatusNotified:
			if transitioned {
				uc.finished(ctx, r, rec)
			} else {
				r.set("success", "ALREADY_NOTIFIED")
			}
			return res, nil

		case rec != nil && rec.Status == domain.StatusFailed:
			if transitioned {
				uc.finished(ctx, r, rec)
				r.set("error", "FULFILLMENT_FAILED")
				return res, fmt.Errorf("fulfillment: %s failed: %w", in.SessionID, passErr)
			}
			r.set("error", "ALREADY_FAILED")
			return res, nil

		case ctx.Err() != nil:
			r.set("error", "INTERRUPTED")
			return res, errors.Join(ctx.Err(), passErr)

		case errors.Is(passErr, domain.ErrNotFound):
			r.set("error", "RECORD_NOT_FOUND")
			return res, passErr
		}

		attempt := pass
		if rec != nil {
			attempt = rec.AttemptCount
		}
		if pass >= uc.policy.MaxAttempts {
			// Passes that never reached the record; the sweeper resumes it later.
			r.set("error", "RETRY_BUDGET_EXHAUSTED")
			return res, passErr
		}

		wait := uc.policy.Backoff(attempt)
		r.logger.Warn("fulfillment_retry_scheduled",
			observability.F("session_id", in.SessionID),
			observability.F("attempt", attempt),
			observability.F("backoff_ms", wait.Milliseconds()),
			observability.F("error", passErr.Error()),
		)
		if sleepErr := uc.sleep(ctx, wait); sleepErr != nil {
			r.set("error", "INTERRUPTED")
			return res, errors.Join(sleepErr, passErr)
		}
	}
}

// attempt runs one pass under the session lease. It returns the record as last
// seen, whether this pass moved it into a terminal status, and the error that
// stopped the pass.
func (uc *ProcessUseCase) attempt(ctx context.Context, sessionID string) (*domain.Record, bool, error) {
	lease, err := uc.deps.Locker.Acquire(ctx, lockKey(sessionID), uc.policy.LockTTL)
	if err != nil {
		return nil, false, err
	}
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			logctx.FromOr(ctx, uc.log).Warn("lease_release_failed",
				observability.F("session_id", sessionID),
				observability.F("error", relErr.Error()),
			)
		}
	}()

	rec, err := uc.deps.Repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: get %s: %w", ErrRepository, sessionID, err)
	}
	if rec.Status.Terminal() {
		return rec, false, nil
	}

	stepErr := uc.steps(ctx, rec, lease)
	if stepErr == nil {
		return rec, true, nil
	}
	if ctx.Err() != nil || errors.Is(stepErr, idempotency.ErrLeaseLost) {
		// the new holder owns the record now
		return rec, false, stepErr
	}

	failed, err := uc.recordFailure(ctx, sessionID, stepErr)
	if err != nil {
		return rec, false, errors.Join(stepErr, err)
	}
	return failed, failed.Status == domain.StatusFailed, stepErr
}

// steps resumes from the record's status and saves after every transition.
func (uc *ProcessUseCase) steps(ctx context.Context, rec *domain.Record, lease idempotency.Lease) error {
	if rec.CartError != "" {
		return cartDataError{reason: rec.CartError}
	}
	for !rec.Status.Terminal() {
		if err := uc.renew(ctx, lease); err != nil {
			return err
		}
		var err error
		switch rec.Status {
		case domain.StatusPending:
			err = uc.reserve(ctx, rec, lease)
		case domain.StatusInventoryReserved:
			if rec.HasDestination() {
				err = uc.purchase(ctx, rec)
			} else {
				logctx.FromOr(ctx, uc.log).Info("shipment_skipped",
					observability.F("session_id", rec.SessionID),
					observability.F("reason", "no_destination"),
				)
				if err = rec.ShipmentSkipped(); err == nil {
					err = uc.save(ctx, rec)
				}
			}
		case domain.StatusLabelPurchased:
			err = uc.notify(ctx, rec)
		default:
			err = fmt.Errorf("%w: unknown status %q", domain.ErrInvalidStateTransition, rec.Status)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// reserve decrements every cart line. Lines the ledger cannot find or parse are
// skipped; anything else aborts the batch so the whole step is retried.
func (uc *ProcessUseCase) reserve(ctx context.Context, rec *domain.Record, lease idempotency.Lease) error {
	logger := logctx.FromOr(ctx, uc.log)
	shortfalls := make(map[string]int)

	// applied lines replay without their shortfall on the next pass
	abort := func(stepErr error) error {
		if len(shortfalls) == 0 {
			return stepErr
		}
		rec.ShortfallsRecorded(shortfalls)
		if err := uc.save(context.WithoutCancel(ctx), rec); err != nil {
			return errors.Join(stepErr, err)
		}
		return stepErr
	}

	for i, line := range mergeLines(rec.Snapshot.Items) {
		if i > 0 {
			if err := uc.renew(ctx, lease); err != nil {
				return abort(err)
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, uc.policy.StepTimeout)
		start := time.Now()
		d, err := uc.deps.Ledger.ApplyDecrement(stepCtx, line.ProductID, line.Quantity, rec.SessionID)
		cancel()
		uc.external(peerLedger, "apply_decrement", start, err)

		switch {
		case errors.Is(err, inventory.ErrNotFound),
			errors.Is(err, inventory.ErrDataCorrupt),
			errors.Is(err, inventory.ErrInvalidAmount):
			logger.Warn("inventory_line_skipped",
				observability.F("session_id", rec.SessionID),
				observability.F("product_id", line.ProductID),
				observability.F("quantity", line.Quantity),
				observability.F("error", err.Error()),
			)
			continue
		case err != nil:
			return abort(fmt.Errorf("reserve %s: %w", line.ProductID, err))
		}

		if d.Shortfall > 0 && !d.Replayed {
			shortfalls[line.ProductID] += d.Shortfall
			uc.shortfallCounter.Add(float64(d.Shortfall), observability.L("product_id", line.ProductID))
			logger.Warn("inventory_shortfall",
				observability.F("session_id", rec.SessionID),
				observability.F("product_id", line.ProductID),
				observability.F("requested", line.Quantity),
				observability.F("on_hand", d.Previous),
				observability.F("shortfall", d.Shortfall),
			)
		}
	}

	if err := rec.InventoryReserved(shortfalls); err != nil {
		return err
	}
	return uc.save(ctx, rec)
}

func (uc *ProcessUseCase) purchase(ctx context.Context, rec *domain.Record) error {
	stepCtx, cancel := context.WithTimeout(ctx, uc.policy.StepTimeout)
	defer cancel()

	start := time.Now()
	label, err := uc.deps.Labels.BuyCheapestLabel(stepCtx, shipping.LabelRequest{
		Reference:   rec.SessionID,
		ShipmentID:  rec.ShipmentID,
		Items:       rec.Snapshot.Items,
		Destination: *rec.Snapshot.Destination,
		Checkpoint: func(ctx context.Context, shipmentID string) error {
			rec.ShipmentCreated(shipmentID)
			return uc.save(ctx, rec)
		},
	})
	uc.external(peerShipping, "buy_label", start, err)
	if err != nil {
		return fmt.Errorf("purchase label: %w", err)
	}

	if err := rec.LabelPurchased(label.ShipmentID, label.TrackingCode, label.LabelURL, label.Carrier, label.Service); err != nil {
		return err
	}
	logctx.FromOr(ctx, uc.log).Info("label_purchased",
		observability.F("session_id", rec.SessionID),
		observability.F("shipment_id", label.ShipmentID),
		observability.F("carrier", label.Carrier),
		observability.F("service", label.Service),
		observability.F("rate_cents", label.Cents),
	)
	return uc.save(ctx, rec)
}

func (uc *ProcessUseCase) notify(ctx context.Context, rec *domain.Record) error {
	notice := notification.ShippedNotice{
		Email:        rec.Snapshot.Customer.Email,
		Name:         rec.Snapshot.Customer.Name,
		Items:        rec.Snapshot.Items,
		TrackingCode: rec.TrackingCode,
		Carrier:      rec.Carrier,
		Service:      rec.Service,
		LabelURL:     rec.LabelURL,
	}
	if rec.Snapshot.Destination != nil {
		notice.Address = *rec.Snapshot.Destination
	}

	stepCtx, cancel := context.WithTimeout(ctx, uc.policy.StepTimeout)
	start := time.Now()
	err := uc.deps.Notifier.SendShipped(stepCtx, notice)
	cancel()
	uc.external(peerNotifier, "send_shipped", start, err)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}

	if err := rec.Notified(); err != nil {
		return err
	}
	return uc.save(ctx, rec)
}

// recordFailure counts a failed pass on a freshly loaded copy, since the in-memory
// record may hold a transition that never reached the store.
func (uc *ProcessUseCase) recordFailure(ctx context.Context, sessionID string, stepErr error) (*domain.Record, error) {
	rec, err := uc.deps.Repo.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: reload %s: %w", ErrRepository, sessionID, err)
	}
	if rec.Status.Terminal() {
		return rec, nil
	}

	rec.AttemptFailed(stepErr)
	class := Classify(stepErr)
	logger := logctx.FromOr(ctx, uc.log)
	if class == Terminal || rec.AttemptCount >= uc.policy.MaxAttempts {
		before := rec.Status
		if err := rec.Fail(stepErr.Error()); err != nil {
			return nil, err
		}
		logger.Error("fulfillment_failed",
			observability.F("session_id", sessionID),
			observability.F("status_before", string(before)),
			observability.F("attempts", rec.AttemptCount),
			observability.F("class", class.String()),
			observability.F("error", stepErr.Error()),
		)
	} else {
		logger.Warn("fulfillment_attempt_failed",
			observability.F("session_id", sessionID),
			observability.F("status", string(rec.Status)),
			observability.F("attempts", rec.AttemptCount),
			observability.F("error", stepErr.Error()),
		)
	}

	if err := uc.save(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// renew keeps the session lease ahead of the next external call.
func (uc *ProcessUseCase) renew(ctx context.Context, lease idempotency.Lease) error {
	if err := lease.Extend(ctx, uc.policy.LockTTL); err != nil {
		return fmt.Errorf("renew session lease: %w", err)
	}
	return nil
}

func (uc *ProcessUseCase) save(ctx context.Context, rec *domain.Record) error {
	if err := uc.deps.Repo.Update(ctx, rec); err != nil {
		return fmt.Errorf("%w: update %s: %w", ErrRepository, rec.SessionID, err)
	}
	return nil
}

// finished counts the terminal status and publishes the outcome event.
func (uc *ProcessUseCase) finished(ctx context.Context, r *run, rec *domain.Record) {
	uc.terminalCounter.Add(1, observability.L("status", string(rec.Status)))
	if uc.deps.Events == nil {
		return
	}

	var evt domoutbox.Event = domain.NewCompletedEvent(rec)
	if rec.Status == domain.StatusFailed {
		evt = domain.NewFailedEvent(rec)
	}
	ctxPub, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	start := time.Now()
	err := uc.deps.Events.Publish(ctxPub, evt)
	uc.external(peerOutbox, evt.EventName(), start, err)
	if err != nil {
		r.span.RecordError(err)
		r.logger.Warn("event_publish_failed",
			observability.F("event", evt.EventName()),
			observability.F("session_id", rec.SessionID),
			observability.F("error", err.Error()),
		)
	}
}

func lockKey(sessionID string) string {
	return "fulfillment:" + sessionID
}

// mergeLines folds repeated product lines together; decrements are keyed per
// product, so a second line for the same product would otherwise be a replay.
func mergeLines(items []checkout.CartItem) []checkout.CartItem {
	out := make([]checkout.CartItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, it := range items {
		if i, ok := index[it.ProductID]; ok {
			out[i].Quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, it)
	}
	return out
}
