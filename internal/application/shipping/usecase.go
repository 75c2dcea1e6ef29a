package shipping

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domship "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	useCaseQuoteRates = "shipping.quote_rates"
	spanPrefix        = "UC."
)

type QuoteRatesInput struct {
	Items   []checkout.CartItem
	Address checkout.Address
}

type QuoteRatesResult struct {
	// Rates are supported carriers only, cheapest first.
	Rates []domship.Rate
}

type QuoteRatesUseCase struct {
	shopper      domship.RateShopper
	log          observability.Logger
	tracer       observability.Tracer
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewQuoteRatesUseCase(shopper domship.RateShopper, tel observability.Observability) *QuoteRatesUseCase {
	if tel == nil {
		tel = observability.Nop()
	}
	return &QuoteRatesUseCase{
		shopper:      shopper,
		log:          tel.Logger().With(observability.F("service", "shipping-service")),
		tracer:       tel.Tracer(),
		reqCounter:   tel.Metrics().Counter(observability.MUsecaseRequests),
		durHistogram: tel.Metrics().Histogram(observability.MUsecaseDuration),
	}
}

func (uc *QuoteRatesUseCase) Execute(ctx context.Context, in QuoteRatesInput) (_ *QuoteRatesResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCaseQuoteRates))
	ctx, span := uc.tracer.Start(ctx, spanPrefix+"QuoteRates",
		attribute.String("use_case", useCaseQuoteRates),
		attribute.String("shipping.postal_code", in.Address.PostalCode),
	)
	start := time.Now()
	outcome, status := "success", "OK"
	var count int

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
			observability.L("use_case", useCaseQuoteRates),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(latency, observability.L("use_case", useCaseQuoteRates))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", status),
			observability.F("latency_seconds", latency),
			observability.F("rates", count),
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
	addr := in.Address.Normalize()
	if err = checkout.ValidateAddress(addr); err != nil {
		outcome, status = "error", "ADDRESS_INVALID"
		return nil, err
	}

	rates, err := uc.shopper.GetRates(ctx, in.Items, addr)
	if err != nil {
		outcome, status = "error", "RATES_UNAVAILABLE"
		return nil, err
	}
	ranked, err := domship.Rank(rates)
	if err != nil {
		outcome, status = "error", "NO_SUPPORTED_RATES"
		return nil, err
	}
	count = len(ranked)
	return &QuoteRatesResult{Rates: ranked}, nil
}
