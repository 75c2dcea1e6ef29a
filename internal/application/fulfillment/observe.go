package fulfillment

import (
	"context"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const spanPrefix = "UC."

// instruments bundles the RED metrics and tracer every use case in this package reports to.
type instruments struct {
	tracer       observability.Tracer
	log          observability.Logger
	reqCounter   observability.Counter   // usecase_requests_total{use_case,outcome}
	durHistogram observability.Histogram // usecase_duration_seconds{use_case}
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func newInstruments(tel observability.Observability, component string) instruments {
	if tel == nil {
		tel = observability.Nop()
	}
	m := tel.Metrics()
	return instruments{
		tracer:       tel.Tracer(),
		log:          tel.Logger().With(observability.F("component", component)),
		reqCounter:   m.Counter(observability.MUsecaseRequests),
		durHistogram: m.Histogram(observability.MUsecaseDuration),
		extCounter:   m.Counter(observability.MExternalRequests),
		extHistogram: m.Histogram(observability.MExternalRequestDuration),
	}
}

// run tracks one use case execution.
type run struct {
	in      instruments
	useCase string
	span    trace.Span
	logger  observability.Logger
	start   time.Time
	outcome string
	status  string
	fields  []observability.Field
}

// begin starts the span and binds a use-case logger onto the returned context.
func (in instruments) begin(ctx context.Context, useCase, spanName string, attrs ...attribute.KeyValue) (context.Context, *run) {
	attrs = append(attrs, attribute.String("use_case", useCase))
	ctx, span := in.tracer.Start(ctx, spanPrefix+spanName, attrs...)

	logger := logctx.FromOr(ctx, in.log).With(observability.F("use_case", useCase))
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		logger = logger.With(
			observability.F("trace_id", sc.TraceID().String()),
			observability.F("span_id", sc.SpanID().String()),
		)
	}
	ctx = logctx.With(ctx, logger)

	return ctx, &run{
		in:      in,
		useCase: useCase,
		span:    span,
		logger:  logger,
		start:   time.Now(),
		outcome: "success",
		status:  "OK",
	}
}

func (r *run) set(outcome, status string) {
	r.outcome, r.status = outcome, status
}

func (r *run) with(fields ...observability.Field) {
	r.fields = append(r.fields, fields...)
}

// end closes the span, records RED metrics and writes the use_case_done line.
func (r *run) end(err error) {
	if r.span != nil {
		if err != nil {
			r.span.RecordError(err)
		}
		if r.outcome == "error" {
			r.span.SetStatus(codes.Error, r.status)
		} else {
			r.span.SetStatus(codes.Ok, r.status)
		}
		r.span.End()
	}

	latency := time.Since(r.start).Seconds()
	r.in.reqCounter.Add(1,
		observability.L("use_case", r.useCase),
		observability.L("outcome", r.outcome),
	)
	r.in.durHistogram.Observe(latency, observability.L("use_case", r.useCase))

	fields := append([]observability.Field{
		observability.F("outcome", r.outcome),
		observability.F("status", r.status),
		observability.F("latency_seconds", latency),
	}, r.fields...)
	if err != nil {
		fields = append(fields, observability.F("error", err.Error()))
	}
	r.logger.Info("use_case_done", fields...)
}

// external times a call to a collaborator outside the process.
func (in instruments) external(peer, endpoint string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	in.extCounter.Add(1,
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	in.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peer),
		observability.L("endpoint", endpoint),
	)
}
