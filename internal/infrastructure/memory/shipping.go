package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/notification"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
)

// IDGenerator hands out unique identifiers.
type IDGenerator interface {
	NewID() string
}

type rateTable struct {
	carrier, service string
	baseCents        int64
	perOzCents       float64
	days             int
}

// Unsupported carriers are quoted on purpose so ranking is exercised locally.
var localRates = []rateTable{
	{"USPS", "GroundAdvantage", 450, 22, 5},
	{"USPS", "Priority", 895, 30, 2},
	{"UPS", "Ground", 1050, 18, 4},
	{"FedEx", "Home", 1125, 17, 4},
	{"DHLExpress", "Worldwide", 2400, 40, 3},
}

// Shipping quotes and buys labels in-process. Prices derive from parcel weight
// only, so quotes are stable across calls.
type Shipping struct {
	mu        sync.Mutex
	ids       IDGenerator
	shipments map[string]domain.Label
	log       observability.Logger
}

func NewShipping(ids IDGenerator, tel observability.Observability) *Shipping {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Shipping{
		ids:       ids,
		shipments: make(map[string]domain.Label),
		log:       tel.Logger().With(observability.F("component", "local_shipping")),
	}
}

func (s *Shipping) GetRates(ctx context.Context, items []checkout.CartItem, destination checkout.Address) ([]domain.Rate, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrProviderUnavailable, err)
	}
	if !destination.Complete() {
		return nil, domain.ErrNoRatesAvailable
	}
	parcel := domain.EstimateParcel(items)
	out := make([]domain.Rate, 0, len(localRates))
	for _, r := range localRates {
		out = append(out, domain.Rate{
			ProviderRateID: "rate_" + strings.ToLower(r.carrier+"_"+r.service),
			Carrier:        r.carrier,
			Service:        r.service,
			Cents:          r.baseCents + int64(math.Round(r.perOzCents*parcel.WeightOz)),
			EstimatedDays:  r.days,
		})
	}
	return out, nil
}

func (s *Shipping) BuyCheapestLabel(ctx context.Context, req domain.LabelRequest) (domain.Label, error) {
	s.mu.Lock()
	if label, ok := s.shipments[req.ShipmentID]; ok && label.TrackingCode != "" {
		s.mu.Unlock()
		return label, nil
	}
	s.mu.Unlock()

	rates, err := s.GetRates(ctx, req.Items, req.Destination)
	if err != nil {
		return domain.Label{}, err
	}
	ranked, err := domain.Rank(rates)
	if err != nil {
		return domain.Label{}, err
	}

	shipmentID := req.ShipmentID
	if shipmentID == "" {
		shipmentID = "shp_" + s.ids.NewID()
		if req.Checkpoint != nil {
			if err := req.Checkpoint(ctx, shipmentID); err != nil {
				return domain.Label{}, err
			}
		}
	}

	best := ranked[0]
	label := domain.Label{
		ShipmentID:   shipmentID,
		TrackingCode: "LOCAL" + strings.ToUpper(strings.ReplaceAll(s.ids.NewID(), "-", ""))[:16],
		LabelURL:     "https://labels.local/" + shipmentID + ".png",
		Carrier:      best.Carrier,
		Service:      best.Service,
		Cents:        best.Cents,
	}

	s.mu.Lock()
	s.shipments[shipmentID] = label
	s.mu.Unlock()

	logctx.FromOr(ctx, s.log).Info("local_label_purchased",
		observability.F("reference", req.Reference),
		observability.F("shipment_id", shipmentID),
		observability.F("carrier", label.Carrier),
		observability.F("rate_cents", label.Cents),
	)
	return label, nil
}

// Notifier only logs what would have been sent.
type Notifier struct {
	log observability.Logger
}

func NewNotifier(tel observability.Observability) *Notifier {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Notifier{log: tel.Logger().With(observability.F("component", "local_notifier"))}
}

func (n *Notifier) SendShipped(ctx context.Context, notice notification.ShippedNotice) error {
	if notice.Email == "" {
		return nil
	}
	logctx.FromOr(ctx, n.log).Info("notification_logged",
		observability.F("to", notice.Email),
		observability.F("tracking_code", notice.TrackingCode),
		observability.F("carrier", notice.Carrier),
		observability.F("lines", len(notice.Items)),
	)
	return nil
}
