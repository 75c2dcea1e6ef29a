package workerpresentation

import (
	"context"

	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// WithEventContext injects an event-scoped logger for background/worker executions.
// Dynamic fields only: trace_id/span_id (if valid), event_id (generated if empty),
// plus caller-provided low-cardinality attributes (e.g. "use_case", "event").
func WithEventContext(
	ctx context.Context,
	base observability.Logger,
	tel observability.Observability,
	traceID trace.TraceID,
	spanID trace.SpanID,
	attrs map[string]string, // keep this low-cardinality: event name, queue, trigger
) context.Context {
	if base == nil {
		if tel == nil {
			tel = observability.Nop()
		}
		base = tel.Logger()
	}

	if attrs == nil {
		attrs = make(map[string]string)
	}

	fields := make([]observability.Field, 0, 4+len(attrs))

	evtID := attrs["event_id"]
	if evtID == "" {
		evtID = uuid.NewString()
	}
	fields = append(fields, observability.F("event_id", evtID))

	if traceID.IsValid() {
		fields = append(fields, observability.F("trace_id", traceID.String()))
	}
	if spanID.IsValid() {
		fields = append(fields, observability.F("span_id", spanID.String()))
	}

	for k, v := range attrs {
		if k == "event_id" || v == "" {
			continue
		}
		fields = append(fields, observability.F(k, v))
	}

	return logctx.With(ctx, base.With(fields...))
}

// EventDecorator adapts WithEventContext to bus handlers: every delivery gets its
// own event_id and the event name, plus trace ids when the publisher's span survived.
func EventDecorator(base observability.Logger, tel observability.Observability) func(context.Context, domoutbox.Event) context.Context {
	return func(ctx context.Context, e domoutbox.Event) context.Context {
		sc := trace.SpanContextFromContext(ctx)
		return WithEventContext(ctx, base, tel, sc.TraceID(), sc.SpanID(), map[string]string{
			"event": e.EventName(),
		})
	}
}
