package httppresentation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/application"
	appfulfillment "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/fulfillment"
	appinventory "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/inventory"
	apppayment "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/payment"
	appshipping "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domfulfillment "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	dominventory "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/payment"
	domshipping "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	componentHTTPHandler = "http_server"
	headerRequestID      = "X-Request-ID"
	headerStripeSig      = "Stripe-Signature"
)

// EventVerifier authenticates raw gateway notifications.
type EventVerifier interface {
	VerifyEvent(ctx context.Context, rawBody []byte, signatureHeader string) (payment.Event, error)
}

// FulfillmentReader serves the operator view of a record.
type FulfillmentReader interface {
	Get(ctx context.Context, sessionID string) (*domfulfillment.Record, error)
}

// Deps lists what the HTTP surface calls into. Metrics may be nil.
type Deps struct {
	Verifier      EventVerifier
	Accept        application.UseCase[appfulfillment.AcceptInput, *appfulfillment.AcceptResult]
	CreateSession application.UseCase[apppayment.CreateSessionInput, *apppayment.CreateSessionResult]
	QuoteRates    application.UseCase[appshipping.QuoteRatesInput, *appshipping.QuoteRatesResult]
	CheckStock    application.UseCase[appinventory.CheckStockInput, *appinventory.CheckStockResult]
	Fulfillments  FulfillmentReader
	Metrics       http.Handler
}

type Handler struct {
	deps Deps
	log  observability.Logger
	tel  observability.Observability

	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewHandler(deps Deps, logger observability.Logger, tel observability.Observability) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	baseLogger := logger
	if baseLogger == nil {
		baseLogger = tel.Logger()
	}
	return &Handler{
		deps:         deps,
		log:          baseLogger.With(observability.F("component", componentHTTPHandler)),
		tel:          tel,
		reqCounter:   tel.Metrics().Counter(observability.MHTTPRequests),
		durHistogram: tel.Metrics().Histogram(observability.MHTTPRequestDuration),
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	// Trace → request logger → HTTP metrics → access log → handler
	h.handle(r, http.MethodPost, "/webhooks/stripe", h.handleStripeWebhook)
	h.handle(r, http.MethodPost, "/checkout/session", h.handleCreateSession)
	h.handle(r, http.MethodPost, "/shipping/rates", h.handleQuoteRates)
	h.handle(r, http.MethodGet, "/inventory/{productID}/stock", h.handleStock)
	h.handle(r, http.MethodGet, "/fulfillments/{sessionID}", h.handleGetFulfillment)
	h.handle(r, http.MethodGet, "/health", h.handleHealth)
	if h.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.deps.Metrics)
	}

	return r
}

func (h *Handler) handle(r chi.Router, method, route string, handler http.HandlerFunc) {
	wrapped := h.withTrace(
		ObservabilityMiddleware(
			h.log,
			func(r *http.Request) string {
				return r.Header.Get(headerRequestID)
			},
			h.tel,
		)(
			h.withHTTPMetrics(
				h.withAccessLog(handler),
			),
		),
	)
	r.Method(method, route, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		// Store stable route template for low-cardinality labels
		ctx := contextWithRoute(req.Context(), method+" "+route)
		wrapped.ServeHTTP(w, req.WithContext(ctx))
	}))
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// withAccessLog writes a single access log after the handler completes.
// It relies on the request-scoped logger already injected by ObservabilityMiddleware.
func (h *Handler) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		logctx.FromOr(r.Context(), h.log).Info("http_access",
			observability.F("method", r.Method),
			observability.F("route", routeFromContext(r.Context())),
			observability.F("path", r.URL.Path),
			observability.F("status", lrw.status),
			observability.F("latency_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withTrace creates a server span for the request using OTel and W3C propagation.
func (h *Handler) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tracer := otel.Tracer("minishop.http")
		parentCtx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

		route := routeFromContext(parentCtx)
		ctxWithSpan, span := tracer.Start(parentCtx,
			route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.route", route),
				attribute.String("http.target", r.URL.Path),
				attribute.String("http.user_agent", r.UserAgent()),
			),
		)
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctxWithSpan))
	})
}

// withHTTPMetrics records RED-ish HTTP metrics using injected vectors.
// DO NOT new metrics inside the middleware.
func (h *Handler) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(lrw, r)

		labels := []observability.Label{
			observability.L("method", r.Method),
			observability.L("route", routeFromContext(r.Context())),
			observability.L("status", strconv.Itoa(lrw.status)),
		}
		h.reqCounter.Add(1, labels...)
		h.durHistogram.Observe(time.Since(start).Seconds(), labels...)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domfulfillment.ErrNotFound),
		errors.Is(err, dominventory.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, checkout.ErrInvalidCart),
		errors.Is(err, checkout.ErrCartTooLarge),
		errors.Is(err, domfulfillment.ErrSessionRequired):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, apppayment.ErrOutOfStock):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domshipping.ErrNoRatesAvailable):
		writeError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, domshipping.ErrProviderUnavailable):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

type routeKey struct{}

// contextWithRoute stores the stable route template in the context so downstream
// metrics/logging can rely on low-cardinality values.
func contextWithRoute(ctx context.Context, route string) context.Context {
	if route == "" {
		return ctx
	}
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) string {
	if ctx == nil {
		return "unknown"
	}
	if route, ok := ctx.Value(routeKey{}).(string); ok && route != "" {
		return route
	}
	return "unknown"
}
