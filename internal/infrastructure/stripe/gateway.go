package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	peerStripe       = "stripe"
	currencyUSD      = "usd"
	DefaultTolerance = 5 * time.Minute
)

// DefaultAllowedCountries are the shipping destinations offered at checkout.
var DefaultAllowedCountries = []string{"US", "CA", "GB", "AU", "MX", "JP", "DE", "FR", "IT", "ES"}

// Sessions creates Checkout sessions; session.Client satisfies it.
type Sessions interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// NewSessions returns the SDK session client bound to secretKey.
func NewSessions(secretKey string) Sessions {
	return session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
}

type Config struct {
	WebhookSecret    string
	Tolerance        time.Duration
	SuccessURL       string
	CancelURL        string
	AllowedCountries []string
}

type Gateway struct {
	sessions Sessions
	cfg      Config

	log          observability.Logger
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewGateway(sessions Sessions, cfg Config, tel observability.Observability) *Gateway {
	if tel == nil {
		tel = observability.Nop()
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}
	if len(cfg.AllowedCountries) == 0 {
		cfg.AllowedCountries = DefaultAllowedCountries
	}
	return &Gateway{
		sessions:     sessions,
		cfg:          cfg,
		log:          tel.Logger().With(observability.F("component", "stripe_gateway")),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

func (g *Gateway) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.SessionResult, error) {
	if err := checkout.ValidateItems(req.Items); err != nil {
		return domain.SessionResult{}, err
	}
	if err := checkout.ValidateShipping(req.Shipping); err != nil {
		return domain.SessionResult{}, err
	}
	md, err := checkout.EncodeMetadata(req.Items, req.Shipping)
	if err != nil {
		return domain.SessionResult{}, err
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(g.cfg.SuccessURL),
		CancelURL:  stripe.String(g.cfg.CancelURL),
		LineItems:  lineItems(req),
		ShippingAddressCollection: &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(g.cfg.AllowedCountries),
		},
		PhoneNumberCollection: &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	for k, v := range md {
		params.AddMetadata(k, v)
	}

	start := time.Now()
	cs, err := g.sessions.New(params)
	g.observe("create_session", start, err)
	if err != nil {
		logctx.FromOr(ctx, g.log).Warn("checkout_session_failed", observability.F("error", err.Error()))
		return domain.SessionResult{}, fmt.Errorf("stripe: create session: %w", err)
	}
	return domain.SessionResult{URL: cs.URL, ID: cs.ID}, nil
}

func lineItems(req domain.SessionRequest) []*stripe.CheckoutSessionLineItemParams {
	out := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items)+1)
	for _, it := range req.Items {
		name := it.Name
		if name == "" {
			name = it.ProductID
		}
		out = append(out, lineItem(name, it.UnitPriceCents, int64(it.Quantity)))
	}
	if s := req.Shipping; s != nil {
		out = append(out, lineItem(fmt.Sprintf("Shipping: %s %s", s.Carrier, s.Service), s.RateCents, 1))
	}
	return out
}

func lineItem(name string, unitCents, qty int64) *stripe.CheckoutSessionLineItemParams {
	return &stripe.CheckoutSessionLineItemParams{
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(currencyUSD),
			UnitAmount: stripe.Int64(unitCents),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(name),
			},
		},
		Quantity: stripe.Int64(qty),
	}
}

// VerifyEvent authenticates rawBody exactly as received. Any failure is
// reported as payment.ErrUnauthenticated.
func (g *Gateway) VerifyEvent(ctx context.Context, rawBody []byte, signatureHeader string) (domain.Event, error) {
	_ = ctx
	evt, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, g.cfg.WebhookSecret, webhook.ConstructEventOptions{
		Tolerance:                g.cfg.Tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %w", domain.ErrUnauthenticated, err)
	}

	out := domain.Event{
		ID:           evt.ID,
		Type:         mapType(evt.Type),
		ProviderType: string(evt.Type),
		RawPayload:   rawBody,
		Signature:    signatureHeader,
	}
	if !strings.HasPrefix(string(evt.Type), "checkout.session.") {
		return out, nil
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		return domain.Event{}, fmt.Errorf("%w: event %s has no session object", domain.ErrUnauthenticated, evt.ID)
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
		return domain.Event{}, fmt.Errorf("%w: decode session: %w", domain.ErrUnauthenticated, err)
	}
	if cs.ID == "" {
		return domain.Event{}, fmt.Errorf("%w: event %s session has no id", domain.ErrUnauthenticated, evt.ID)
	}
	out.SessionID = cs.ID
	out.Session = toSession(&cs)
	return out, nil
}

func mapType(t stripe.EventType) domain.EventType {
	switch t {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		return domain.EventSessionCompleted
	case stripe.EventTypeCheckoutSessionExpired:
		return domain.EventSessionExpired
	default:
		return domain.EventOther
	}
}

func toSession(cs *stripe.CheckoutSession) *domain.Session {
	s := &domain.Session{
		ID:            cs.ID,
		Metadata:      cs.Metadata,
		CustomerEmail: cs.CustomerEmail,
	}
	if d := cs.CustomerDetails; d != nil {
		if d.Email != "" {
			s.CustomerEmail = d.Email
		}
		s.CustomerName = d.Name
		s.CustomerPhone = d.Phone
	}
	if sd := cs.ShippingDetails; sd != nil && sd.Address != nil {
		addr := checkout.Address{
			Name:       sd.Name,
			Line1:      sd.Address.Line1,
			Line2:      sd.Address.Line2,
			City:       sd.Address.City,
			State:      sd.Address.State,
			PostalCode: sd.Address.PostalCode,
			Country:    sd.Address.Country,
		}.Normalize()
		if addr.Name == "" {
			addr.Name = s.CustomerName
		}
		s.Shipping = &addr
		if sd.Phone != "" && s.CustomerPhone == "" {
			s.CustomerPhone = sd.Phone
		}
	}
	return s
}

func (g *Gateway) observe(endpoint string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	g.extCounter.Add(1,
		observability.L("peer", peerStripe),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	g.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerStripe),
		observability.L("endpoint", endpoint),
	)
}
