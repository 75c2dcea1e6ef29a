package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/idempotency"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"golang.org/x/time/rate"
)

const (
	peerSheets      = "google_sheets"
	maxWriteAttempt = 3
)

type Config struct {
	SpreadsheetID string
	// Range covers the header row and every product row, e.g. "Sheet1!A1:G".
	Range string
	// RequestsPerSecond throttles API calls; zero disables throttling.
	RequestsPerSecond float64
}

// Ledger keeps stock in a spreadsheet. Sheets offers no compare-and-set, so a
// decrement re-reads the target cell right before writing and retries when it moved.
type Ledger struct {
	values  ValuesAPI
	cfg     Config
	rng     a1Range
	schema  Schema
	keys    idempotency.KeyStore
	limiter *rate.Limiter

	log          observability.Logger
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

// NewLedger reads the header row once and fails with inventory.ErrConfig when
// the required columns are missing.
func NewLedger(ctx context.Context, values ValuesAPI, cfg Config, keys idempotency.KeyStore, tel observability.Observability) (*Ledger, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("%w: spreadsheet id is required", domain.ErrConfig)
	}
	if keys == nil {
		return nil, fmt.Errorf("%w: key store is required", domain.ErrConfig)
	}
	if tel == nil {
		tel = observability.Nop()
	}
	rng, err := parseRange(cfg.Range)
	if err != nil {
		return nil, err
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	l := &Ledger{
		values:       values,
		cfg:          cfg,
		rng:          rng,
		keys:         keys,
		limiter:      rate.NewLimiter(limit, 1),
		log:          tel.Logger().With(observability.F("component", "sheets_ledger")),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}

	rows, err := l.read(ctx, cfg.Range, "read_header")
	if errors.Is(err, ErrRejected) {
		return nil, fmt.Errorf("%w: %w", domain.ErrConfig, err)
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: range %q is empty", domain.ErrConfig, cfg.Range)
	}
	if l.schema, err = ResolveSchema(rows[0]); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) Schema() Schema { return l.schema }

func (l *Ledger) GetQuantity(ctx context.Context, productID string) (int, bool, error) {
	rows, err := l.read(ctx, l.cfg.Range, "read_rows")
	if err != nil {
		return 0, false, err
	}
	idx, ok := l.locate(rows, productID)
	if !ok {
		return 0, false, nil
	}
	qty, err := parseQuantity(cellAt(rows[idx], l.schema.QuantityCol))
	if err != nil {
		return 0, true, err
	}
	return qty, true, nil
}

func (l *Ledger) ApplyDecrement(ctx context.Context, productID string, amount int, idempotencyKey string) (_ domain.Decrement, err error) {
	if amount <= 0 {
		return domain.Decrement{}, domain.ErrInvalidAmount
	}
	logger := logctx.FromOr(ctx, l.log).With(observability.F("product_id", productID))

	key := domain.AppliedKey(idempotencyKey, productID)
	first, err := l.keys.Claim(ctx, key)
	if err != nil {
		return domain.Decrement{}, fmt.Errorf("sheets: claim decrement: %w", err)
	}
	if !first {
		qty, _, qerr := l.GetQuantity(ctx, productID)
		if qerr != nil && !errors.Is(qerr, domain.ErrDataCorrupt) {
			return domain.Decrement{}, qerr
		}
		logger.Info("inventory_decrement_replayed", observability.F("idempotency_key", idempotencyKey))
		return domain.Decrement{ProductID: productID, Previous: qty, NewQuantity: qty, Replayed: true}, nil
	}
	defer func() {
		if err == nil {
			return
		}
		if rerr := l.keys.Release(context.WithoutCancel(ctx), key); rerr != nil {
			logger.Error("inventory_claim_release_failed", observability.F("error", rerr.Error()))
		}
	}()

	for attempt := 1; attempt <= maxWriteAttempt; attempt++ {
		d, retry, err := l.tryDecrement(ctx, productID, amount)
		if err != nil {
			return domain.Decrement{}, err
		}
		if !retry {
			return d, nil
		}
		logger.Warn("inventory_write_conflict", observability.F("attempt", attempt))
	}
	return domain.Decrement{}, fmt.Errorf("%w: %s changed during %d attempts", domain.ErrConflict, productID, maxWriteAttempt)
}

func (l *Ledger) tryDecrement(ctx context.Context, productID string, amount int) (domain.Decrement, bool, error) {
	rows, err := l.read(ctx, l.cfg.Range, "read_rows")
	if err != nil {
		return domain.Decrement{}, false, err
	}
	idx, ok := l.locate(rows, productID)
	if !ok {
		return domain.Decrement{}, false, fmt.Errorf("%w: %s", domain.ErrNotFound, productID)
	}
	current, err := parseQuantity(cellAt(rows[idx], l.schema.QuantityCol))
	if err != nil {
		return domain.Decrement{}, false, err
	}

	cell := l.rng.cell(l.schema.QuantityCol, idx)
	fresh, err := l.read(ctx, cell, "read_cell")
	if err != nil {
		return domain.Decrement{}, false, err
	}
	var freshValue any
	if len(fresh) > 0 {
		freshValue = cellAt(fresh[0], 0)
	}
	now, err := parseQuantity(freshValue)
	if err != nil {
		return domain.Decrement{}, false, err
	}
	if now != current {
		return domain.Decrement{}, true, nil
	}

	next, shortfall := domain.Clamp(current, amount)
	if err := l.write(ctx, cell, next); err != nil {
		return domain.Decrement{}, false, err
	}
	return domain.Decrement{ProductID: productID, Previous: current, NewQuantity: next, Shortfall: shortfall}, false, nil
}

// locate returns the index into rows (header at 0) of the first matching product.
func (l *Ledger) locate(rows [][]any, productID string) (int, bool) {
	want := strings.TrimSpace(productID)
	for i := 1; i < len(rows); i++ {
		if strings.TrimSpace(cellString(cellAt(rows[i], l.schema.ProductCol))) == want {
			return i, true
		}
	}
	return 0, false
}

func (l *Ledger) read(ctx context.Context, readRange, endpoint string) ([][]any, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()
	rows, err := l.values.Get(ctx, l.cfg.SpreadsheetID, readRange)
	l.observe(endpoint, start, err)
	return rows, err
}

func (l *Ledger) write(ctx context.Context, cell string, quantity int) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := l.values.Update(ctx, l.cfg.SpreadsheetID, cell, [][]any{{quantity}})
	l.observe("write_cell", start, err)
	return err
}

func (l *Ledger) observe(endpoint string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	l.extCounter.Add(1,
		observability.L("peer", peerSheets),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	l.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerSheets),
		observability.L("endpoint", endpoint),
	)
}

func cellAt(row []any, col int) any {
	if col < len(row) {
		return row[col]
	}
	return nil
}
