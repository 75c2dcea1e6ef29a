package oteltrace

import (
	"context"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type tracer struct{ t trace.Tracer }

// New returns a tracer bound to the global otel provider. Exporters are configured
// by whoever installs the provider with otel.SetTracerProvider.
func New(name string) observability.Tracer {
	if name == "" {
		name = "minishop-fulfillment"
	}
	return &tracer{t: otel.Tracer(name)}
}

func (t *tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.t.Start(ctx, name, trace.WithAttributes(attrs...))
}
