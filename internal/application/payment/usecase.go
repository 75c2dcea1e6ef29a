package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	dominv "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	dompay "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"

	appinventory "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/inventory"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	paymentService       = "payment-service"
	useCaseCreateSession = "payment.create_session"
	createSessionSpan    = "CreateCheckoutSession"
	spanPrefix           = "UC."
	gatewayPeer          = "payment_gateway"
	endpointSession      = "create_session"
)

// ErrOutOfStock is returned when a cart line exceeds what the ledger holds.
var ErrOutOfStock = errors.New("payment: item out of stock")

type CreateSessionInput struct {
	Items         []checkout.CartItem
	Shipping      *checkout.ShippingSelection
	CustomerEmail string
}

type CreateSessionResult struct {
	URL       string
	SessionID string
}

type CreateSessionUseCase struct {
	gateway      dompay.Gateway
	stock        StockChecker
	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

// NewCreateSessionUseCase wires the gateway; stock may be nil to skip the stock check.
func NewCreateSessionUseCase(gateway dompay.Gateway, stock StockChecker, tel observability.Observability) *CreateSessionUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	m := tel.Metrics()
	return &CreateSessionUseCase{
		gateway:      gateway,
		stock:        stock,
		log:          tel.Logger().With(observability.F("service", paymentService)),
		tracer:       tel.Tracer(),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHistogram: m.Histogram(observability.MUsecaseDuration),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

// Execute validates the cart, refuses lines that are out of stock and opens a hosted
// checkout session carrying the cart in its metadata.
func (uc *CreateSessionUseCase) Execute(ctx context.Context, in CreateSessionInput) (_ *CreateSessionResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseCreateSession),
		observability.F("lines", len(in.Items)),
	)

	ctx, span := uc.tracer.Start(ctx, spanPrefix+createSessionSpan,
		attribute.String("use_case", useCaseCreateSession),
		attribute.Int("checkout.lines", len(in.Items)),
	)
	start := time.Now()
	outcome, status := "success", "OK"
	var sessionID, failedProduct string

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
		} else {
			span.SetStatus(codes.Ok, status)
		}
		span.End()

		latency := time.Since(start).Seconds()
		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseCreateSession),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(latency, observability.L("use_case", useCaseCreateSession))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", status),
			observability.F("latency_seconds", latency),
		}
		if sessionID != "" {
			fields = append(fields, observability.F("session_id", sessionID))
		}
		if failedProduct != "" {
			fields = append(fields, observability.F("product_id", failedProduct))
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

	if err = checkout.ValidateItems(in.Items); err != nil {
		outcome, status = "error", "CART_INVALID"
		return nil, err
	}
	if err = checkout.ValidateShipping(in.Shipping); err != nil {
		outcome, status = "error", "SHIPPING_INVALID"
		return nil, err
	}

	if uc.stock != nil {
		for productID, qty := range wanted(in.Items) {
			res, checkErr := uc.stock.Execute(ctx, appinventory.CheckStockInput{ProductID: productID, Quantity: qty})
			switch {
			case errors.Is(checkErr, dominv.ErrNotFound), checkErr == nil && !res.InStock:
				failedProduct = productID
				outcome, status = "error", "OUT_OF_STOCK"
				return nil, fmt.Errorf("%w: %s", ErrOutOfStock, productID)
			case checkErr != nil:
				// Fulfillment clamps at zero anyway; a ledger outage must not block payment.
				logger.Warn("stock_check_skipped",
					observability.F("product_id", productID),
					observability.F("error", checkErr.Error()),
				)
			}
		}
	}

	extStart := time.Now()
	out, err := uc.gateway.CreateSession(ctx, dompay.SessionRequest{
		Items:         in.Items,
		Shipping:      in.Shipping,
		CustomerEmail: in.CustomerEmail,
	})
	extOutcome := "success"
	if err != nil {
		extOutcome = "error"
	}
	uc.extCounter.Add(1,
		observability.L("peer", gatewayPeer),
		observability.L("endpoint", endpointSession),
		observability.L("outcome", extOutcome),
	)
	uc.extHistogram.Observe(time.Since(extStart).Seconds(),
		observability.L("peer", gatewayPeer),
		observability.L("endpoint", endpointSession),
	)
	if err != nil {
		outcome, status = "error", "GATEWAY_FAILED"
		return nil, err
	}

	sessionID = out.ID
	return &CreateSessionResult{URL: out.URL, SessionID: out.ID}, nil
}

// wanted sums quantities per product.
func wanted(items []checkout.CartItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.ProductID] += it.Quantity
	}
	return out
}
