package easypost

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ep "github.com/EasyPost/easypost-go/v4"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const peerEasyPost = "easypost"

// API is the part of *ep.Client used here.
type API interface {
	CreateShipmentWithContext(ctx context.Context, in *ep.Shipment) (*ep.Shipment, error)
	GetShipmentWithContext(ctx context.Context, shipmentID string) (*ep.Shipment, error)
	BuyShipmentWithContext(ctx context.Context, shipmentID string, rate *ep.Rate, insurance string) (*ep.Shipment, error)
}

type Client struct {
	api     API
	limiter *rate.Limiter

	log          observability.Logger
	extCounter   observability.Counter
	extHistogram observability.Histogram
}

// New wraps api; rps <= 0 disables throttling.
func New(api API, rps float64, tel observability.Observability) *Client {
	if tel == nil {
		tel = observability.Nop()
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		api:          api,
		limiter:      rate.NewLimiter(limit, 1),
		log:          tel.Logger().With(observability.F("component", "easypost_client")),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

func (c *Client) GetRates(ctx context.Context, items []checkout.CartItem, destination checkout.Address) ([]domain.Rate, error) {
	shp, err := c.createShipment(ctx, "", items, destination)
	if err != nil {
		return nil, err
	}
	return domain.Rank(toRates(shp.Rates))
}

func (c *Client) BuyCheapestLabel(ctx context.Context, req domain.LabelRequest) (domain.Label, error) {
	logger := logctx.FromOr(ctx, c.log).With(observability.F("reference", req.Reference))

	if req.ShipmentID != "" {
		shp, err := c.getShipment(ctx, req.ShipmentID)
		if err != nil {
			return domain.Label{}, err
		}
		if purchased(shp) {
			logger.Info("label_already_purchased", observability.F("shipment_id", shp.ID))
			return toLabel(shp), nil
		}
		label, err := c.buyCheapest(ctx, logger, shp, nil)
		if !replaceable(err) {
			return label, err
		}
		// rates on an older shipment can expire or never have included a
		// supported carrier; quote again on a fresh one
		logger.Warn("shipment_replaced",
			observability.F("shipment_id", shp.ID),
			observability.F("error", err.Error()),
		)
	}

	shp, err := c.createShipment(ctx, req.Reference, req.Items, req.Destination)
	if err != nil {
		return domain.Label{}, err
	}
	return c.buyCheapest(ctx, logger, shp, req.Checkpoint)
}

// buyCheapest buys the cheapest supported rate on shp. checkpoint, when set,
// runs once a rate is chosen and before any money moves.
func (c *Client) buyCheapest(ctx context.Context, logger observability.Logger, shp *ep.Shipment, checkpoint func(context.Context, string) error) (domain.Label, error) {
	ranked, err := domain.Rank(toRates(shp.Rates))
	if err != nil {
		return domain.Label{}, fmt.Errorf("shipment %s: %w", shp.ID, err)
	}
	chosen := findRate(shp.Rates, ranked[0].ProviderRateID)

	if checkpoint != nil {
		if err := checkpoint(ctx, shp.ID); err != nil {
			return domain.Label{}, fmt.Errorf("easypost: checkpoint shipment %s: %w", shp.ID, err)
		}
	}

	bought, buyErr := c.buy(ctx, shp.ID, chosen)
	if buyErr == nil && purchased(bought) {
		return toLabel(bought), nil
	}

	// the purchase may have landed even though the call failed, or an earlier
	// attempt already bought it; the shipment itself is authoritative
	current, err := c.getShipment(ctx, shp.ID)
	if err != nil {
		return domain.Label{}, fmt.Errorf("purchase outcome unknown: %w", err)
	}
	if purchased(current) {
		logger.Info("label_purchase_recovered", observability.F("shipment_id", shp.ID))
		return toLabel(current), nil
	}
	if buyErr == nil {
		buyErr = errors.New("response carried no postage label")
	}
	logger.Warn("label_purchase_failed",
		observability.F("shipment_id", shp.ID),
		observability.F("carrier", chosen.Carrier),
		observability.F("error", buyErr.Error()),
	)
	return domain.Label{}, fmt.Errorf("%w: shipment %s: %w", domain.ErrPurchaseFailed, shp.ID, buyErr)
}

// replaceable reports whether the shipment is known to be unpurchased and
// unusable as is.
func replaceable(err error) bool {
	return errors.Is(err, domain.ErrNoRatesAvailable) || errors.Is(err, domain.ErrPurchaseFailed)
}

func (c *Client) createShipment(ctx context.Context, reference string, items []checkout.CartItem, dest checkout.Address) (*ep.Shipment, error) {
	p := domain.EstimateParcel(items)
	in := &ep.Shipment{
		Reference:   reference,
		ToAddress:   toAddress(dest.Normalize(), "", ""),
		FromAddress: toAddress(domain.Origin, domain.OriginPhone, domain.OriginEmail),
		Parcel: &ep.Parcel{
			Length: p.LengthIn,
			Width:  p.WidthIn,
			Height: p.HeightIn,
			Weight: p.WeightOz,
		},
	}

	var shp *ep.Shipment
	err := c.call(ctx, "create_shipment", func(ctx context.Context) (err error) {
		shp, err = c.api.CreateShipmentWithContext(ctx, in)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create shipment: %w", domain.ErrProviderUnavailable, err)
	}
	return shp, nil
}

func (c *Client) getShipment(ctx context.Context, id string) (*ep.Shipment, error) {
	var shp *ep.Shipment
	err := c.call(ctx, "get_shipment", func(ctx context.Context) (err error) {
		shp, err = c.api.GetShipmentWithContext(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: get shipment %s: %w", domain.ErrProviderUnavailable, id, err)
	}
	return shp, nil
}

func (c *Client) buy(ctx context.Context, id string, r *ep.Rate) (*ep.Shipment, error) {
	var shp *ep.Shipment
	err := c.call(ctx, "buy_shipment", func(ctx context.Context) (err error) {
		shp, err = c.api.BuyShipmentWithContext(ctx, id, r, "")
		return err
	})
	return shp, err
}

func (c *Client) call(ctx context.Context, endpoint string, fn func(context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	start := time.Now()
	err := fn(ctx)

	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.extCounter.Add(1,
		observability.L("peer", peerEasyPost),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	c.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerEasyPost),
		observability.L("endpoint", endpoint),
	)
	return err
}

func purchased(shp *ep.Shipment) bool {
	return shp != nil && shp.PostageLabel != nil && shp.PostageLabel.LabelURL != ""
}

func toLabel(shp *ep.Shipment) domain.Label {
	l := domain.Label{
		ShipmentID:   shp.ID,
		TrackingCode: shp.TrackingCode,
		LabelURL:     shp.PostageLabel.LabelURL,
	}
	if shp.SelectedRate != nil {
		l.Carrier = shp.SelectedRate.Carrier
		l.Service = shp.SelectedRate.Service
		l.Cents, _ = cents(shp.SelectedRate.Rate)
	}
	return l
}

func toAddress(a checkout.Address, phone, email string) *ep.Address {
	return &ep.Address{
		Name:    a.Name,
		Street1: a.Line1,
		Street2: a.Line2,
		City:    a.City,
		State:   a.State,
		Zip:     a.PostalCode,
		Country: a.Country,
		Phone:   phone,
		Email:   email,
	}
}

// toRates drops rates whose price cannot be parsed.
func toRates(in []*ep.Rate) []domain.Rate {
	out := make([]domain.Rate, 0, len(in))
	for _, r := range in {
		if r == nil {
			continue
		}
		amount, err := cents(r.Rate)
		if err != nil {
			continue
		}
		out = append(out, domain.Rate{
			ProviderRateID: r.ID,
			Carrier:        r.Carrier,
			Service:        r.Service,
			Cents:          amount,
			EstimatedDays:  r.DeliveryDays,
		})
	}
	return out
}

func findRate(in []*ep.Rate, id string) *ep.Rate {
	for _, r := range in {
		if r != nil && r.ID == id {
			return r
		}
	}
	return nil
}

// cents parses a decimal dollar string such as "7.58".
func cents(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	return d.Shift(2).Round(0).IntPart(), nil
}
