package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	dominv "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	inventoryService    = "inventory-service"
	useCaseCheckStock   = "inventory.check_stock"
	checkStockSpanName  = "CheckStock"
	spanPrefix          = "UC."
	ledgerPeer          = "inventory_ledger"
	endpointGetQuantity = "get_quantity"
)

type CheckStockInput struct {
	ProductID string
	// Quantity is the amount the caller wants; zero means one.
	Quantity int
}

type CheckStockResult struct {
	ProductID string
	InStock   bool
	Remaining int
}

type CheckStockUseCase struct {
	ledger       dominv.Ledger
	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewCheckStockUseCase(ledger dominv.Ledger, tel observability.Observability) *CheckStockUseCase {
	baseLog := observability.NopLogger()
	tracer := observability.NopTracer()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		tracer = tel.Tracer()
		metricsProvider = tel.Metrics()
	}

	return &CheckStockUseCase{
		ledger:       ledger,
		log:          baseLog.With(observability.F("service", inventoryService)),
		tracer:       tracer,
		reqCounter:   metricsProvider.Counter(observability.MUsecaseRequests),
		durHistogram: metricsProvider.Histogram(observability.MUsecaseDuration),
		extCounter:   metricsProvider.Counter(observability.MExternalRequests),
		extHistogram: metricsProvider.Histogram(observability.MExternalRequestDuration),
	}
}

// Execute reports whether the ledger can cover the requested quantity.
func (uc *CheckStockUseCase) Execute(ctx context.Context, in CheckStockInput) (_ *CheckStockResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseCheckStock),
		observability.F("product_id", in.ProductID),
	)

	ctx, span := uc.tracer.Start(ctx, spanPrefix+checkStockSpanName,
		attribute.String("use_case", useCaseCheckStock),
		attribute.String("inventory.product_id", in.ProductID),
	)
	start := time.Now()
	outcome, status := "success", "OK"
	res := &CheckStockResult{ProductID: in.ProductID}

	defer func() {
		span.SetAttributes(
			attribute.Bool("inventory.in_stock", res.InStock),
			attribute.Int("inventory.remaining", res.Remaining),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		} else {
			span.SetStatus(codes.Ok, status)
		}
		span.End()

		latency := time.Since(start).Seconds()
		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseCheckStock),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(latency, observability.L("use_case", useCaseCheckStock))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", status),
			observability.F("latency_seconds", latency),
			observability.F("in_stock", res.InStock),
			observability.F("remaining", res.Remaining),
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if in.ProductID == "" {
		outcome, status = "error", "PRODUCT_ID_REQUIRED"
		return nil, errors.New("inventory: product id is required")
	}
	want := in.Quantity
	if want <= 0 {
		want = 1
	}

	extStart := time.Now()
	qty, found, err := uc.ledger.GetQuantity(ctx, in.ProductID)
	extOutcome := "success"
	if err != nil {
		extOutcome = "error"
	}
	uc.extCounter.Add(1,
		observability.L("peer", ledgerPeer),
		observability.L("endpoint", endpointGetQuantity),
		observability.L("outcome", extOutcome),
	)
	uc.extHistogram.Observe(time.Since(extStart).Seconds(),
		observability.L("peer", ledgerPeer),
		observability.L("endpoint", endpointGetQuantity),
	)

	switch {
	case err != nil:
		outcome, status = "error", "LEDGER_READ_FAILED"
		return nil, fmt.Errorf("inventory: check %s: %w", in.ProductID, err)
	case !found:
		outcome, status = "error", "PRODUCT_NOT_FOUND"
		return nil, dominv.ErrNotFound
	}

	res.Remaining = qty
	res.InStock = qty >= want
	if !res.InStock {
		status = "INSUFFICIENT_STOCK"
	}
	return res, nil
}
