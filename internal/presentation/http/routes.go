package httppresentation

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	appfulfillment "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/fulfillment"
	appinventory "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/inventory"
	apppayment "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/payment"
	appshipping "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domfulfillment "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/payment"
	domshipping "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"github.com/go-chi/chi/v5"
)

// maxWebhookBody caps what is read before the signature is checked.
const maxWebhookBody = 1 << 20

// handleStripeWebhook acknowledges once the record is stored. Only unauthenticated
// or unreadable notifications are rejected; a store failure returns 500 so the
// gateway redelivers.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	logger := logctx.FromOr(r.Context(), h.log)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.Warn("webhook_body_unreadable", observability.F("error", err.Error()))
		writeError(w, http.StatusBadRequest, fmt.Errorf("webhook: read body: %w", err))
		return
	}

	evt, err := h.deps.Verifier.VerifyEvent(r.Context(), body, r.Header.Get(headerStripeSig))
	if err != nil {
		logger.Warn("webhook_rejected",
			observability.F("bytes", len(body)),
			observability.F("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, payment.ErrUnauthenticated)
		return
	}

	if _, err := h.deps.Accept.Execute(r.Context(), appfulfillment.AcceptInput{Event: evt}); err != nil {
		if errors.Is(err, domfulfillment.ErrSessionRequired) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type createSessionRequest struct {
	Items    []checkout.CartItem         `json:"items"`
	Shipping *checkout.ShippingSelection `json:"shipping,omitempty"`
	Email    string                      `json:"email,omitempty"`
}

type createSessionResponse struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.deps.CreateSession.Execute(r.Context(), apppayment.CreateSessionInput{
		Items:         req.Items,
		Shipping:      req.Shipping,
		CustomerEmail: req.Email,
	})
	if err != nil {
		if errors.Is(err, checkout.ErrInvalidCart) || errors.Is(err, checkout.ErrCartTooLarge) || errors.Is(err, apppayment.ErrOutOfStock) {
			writeDomainError(w, err)
			return
		}
		writeError(w, http.StatusBadGateway, err)
		return
	}

	writeJSON(w, http.StatusOK, createSessionResponse{URL: res.URL, SessionID: res.SessionID})
}

type quoteRatesRequest struct {
	Items   []checkout.CartItem `json:"items"`
	Address checkout.Address    `json:"address"`
}

type quoteRatesResponse struct {
	Rates []domshipping.Rate `json:"rates"`
}

func (h *Handler) handleQuoteRates(w http.ResponseWriter, r *http.Request) {
	var req quoteRatesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	res, err := h.deps.QuoteRates.Execute(r.Context(), appshipping.QuoteRatesInput{
		Items:   req.Items,
		Address: req.Address,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, quoteRatesResponse{Rates: res.Rates})
}

type stockResponse struct {
	ProductID string `json:"productId"`
	InStock   bool   `json:"inStock"`
	Remaining int    `json:"remaining"`
}

func (h *Handler) handleStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	qty := 1
	if raw := r.URL.Query().Get("quantity"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("quantity must be a positive integer, got %q", raw))
			return
		}
		qty = n
	}

	res, err := h.deps.CheckStock.Execute(r.Context(), appinventory.CheckStockInput{ProductID: productID, Quantity: qty})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stockResponse{
		ProductID: res.ProductID,
		InStock:   res.InStock,
		Remaining: res.Remaining,
	})
}

type fulfillmentResponse struct {
	SessionID    string         `json:"sessionId"`
	EventID      string         `json:"eventId"`
	Status       string         `json:"status"`
	Items        int            `json:"items"`
	CartError    string         `json:"cartError,omitempty"`
	ShipmentID   string         `json:"shipmentId,omitempty"`
	TrackingCode string         `json:"trackingCode,omitempty"`
	LabelURL     string         `json:"labelUrl,omitempty"`
	Carrier      string         `json:"carrier,omitempty"`
	Service      string         `json:"service,omitempty"`
	Shortfalls   map[string]int `json:"shortfalls,omitempty"`
	LastError    string         `json:"lastError,omitempty"`
	AttemptCount int            `json:"attemptCount"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (h *Handler) handleGetFulfillment(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Fulfillments.Get(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, fulfillmentResponse{
		SessionID:    rec.SessionID,
		EventID:      rec.EventID,
		Status:       string(rec.Status),
		Items:        len(rec.Snapshot.Items),
		CartError:    rec.CartError,
		ShipmentID:   rec.ShipmentID,
		TrackingCode: rec.TrackingCode,
		LabelURL:     rec.LabelURL,
		Carrier:      rec.Carrier,
		Service:      rec.Service,
		Shortfalls:   rec.Shortfalls,
		LastError:    rec.LastError,
		AttemptCount: rec.AttemptCount,
		Version:      rec.Version,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	})
}
