package telemetry

import (
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/observability/prometrics"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/prometheus/client_golang/prometheus"
)

type counterSpec struct {
	key    observability.MetricKey
	help   string
	labels []string
}

type histogramSpec struct {
	key     observability.MetricKey
	help    string
	buckets []float64
	labels  []string
}

var counterCatalog = []counterSpec{
	{observability.MUsecaseRequests, "Total number of use case invocations.", []string{"use_case", "outcome"}},
	{observability.MHTTPRequests, "Total number of HTTP requests.", []string{"method", "route", "status"}},
	{observability.MExternalRequests, "Total number of calls to external providers.", []string{"peer", "endpoint", "outcome"}},
	{observability.MFulfillmentTerminal, "Fulfillment records that reached a terminal status.", []string{"status"}},
	{observability.MInventoryShortfall, "Units requested beyond on-hand stock during decrement.", []string{"product_id"}},
}

var histogramCatalog = []histogramSpec{
	{observability.MUsecaseDuration, "Duration of use case execution in seconds.", prometheus.DefBuckets, []string{"use_case"}},
	{observability.MHTTPRequestDuration, "Duration of HTTP requests in seconds.", prometheus.DefBuckets, []string{"method", "route", "status"}},
	{observability.MExternalRequestDuration, "Duration of external provider calls in seconds.", []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15}, []string{"peer", "endpoint"}},
}

type provider struct {
	tracer  observability.Tracer
	logger  observability.Logger
	metrics observability.Metrics
}

type registeredMetrics struct {
	counters   map[observability.MetricKey]observability.Counter
	histograms map[observability.MetricKey]observability.Histogram
}

func (m *registeredMetrics) Counter(name observability.MetricKey) observability.Counter {
	if c, ok := m.counters[name]; ok {
		return c
	}
	return observability.NopCounter()
}

func (m *registeredMetrics) Histogram(name observability.MetricKey) observability.Histogram {
	if h, ok := m.histograms[name]; ok {
		return h
	}
	return observability.NopHistogram()
}

// New assembles the process-wide Observability provider. Every catalogued instrument
// is registered on reg up front so use cases only ever look instruments up.
func New(tracer observability.Tracer, logger observability.Logger, reg prometrics.Registry) observability.Observability {
	if tracer == nil {
		tracer = observability.NopTracer()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	if reg == nil {
		return &provider{tracer: tracer, logger: logger, metrics: observability.NopMetrics()}
	}

	m := &registeredMetrics{
		counters:   make(map[observability.MetricKey]observability.Counter, len(counterCatalog)),
		histograms: make(map[observability.MetricKey]observability.Histogram, len(histogramCatalog)),
	}
	for _, c := range counterCatalog {
		m.counters[c.key] = reg.Counter(string(c.key), c.help, c.labels...)
	}
	for _, h := range histogramCatalog {
		m.histograms[h.key] = reg.Histogram(string(h.key), h.help, h.buckets, h.labels...)
	}

	return &provider{tracer: tracer, logger: logger, metrics: m}
}

func (p *provider) Tracer() observability.Tracer {
	return p.tracer
}

func (p *provider) Logger() observability.Logger {
	return p.logger
}

func (p *provider) Metrics() observability.Metrics {
	return p.metrics
}
