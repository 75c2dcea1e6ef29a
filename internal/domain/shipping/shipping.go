package shipping

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
)

var (
	ErrNoRatesAvailable    = errors.New("shipping: no rates available")
	ErrProviderUnavailable = errors.New("shipping: provider unavailable")
	ErrPurchaseFailed      = errors.New("shipping: label purchase failed")
)

// SupportedCarriers is the allowlist applied to every rate response.
var SupportedCarriers = []string{"USPS", "UPS", "FedEx"}

// Origin is the warehouse every parcel ships from.
var Origin = checkout.Address{
	Name:       "Card Quest Games",
	Line1:      "8701 W Foster Ave",
	Line2:      "Unit 301",
	City:       "Chicago",
	State:      "IL",
	PostalCode: "60656",
	Country:    "US",
}

const (
	OriginPhone = "312-555-1234"
	OriginEmail = "orders@cardquestgames.com"
)

type Rate struct {
	ProviderRateID string `json:"providerRateId"`
	Carrier        string `json:"carrier"`
	Service        string `json:"service"`
	Cents          int64  `json:"rateCents"`
	EstimatedDays  int    `json:"estimatedDays"`
}

// Selection converts a quoted rate into the shape stored on a checkout session.
func (r Rate) Selection() checkout.ShippingSelection {
	return checkout.ShippingSelection{
		Carrier:        r.Carrier,
		Service:        r.Service,
		RateCents:      r.Cents,
		EstimatedDays:  r.EstimatedDays,
		ProviderRateID: r.ProviderRateID,
	}
}

type Label struct {
	ShipmentID   string
	TrackingCode string
	LabelURL     string
	Carrier      string
	Service      string
	Cents        int64
}

// LabelRequest asks for the cheapest supported label for a cart.
//
// ShipmentID, when set, names a provider shipment created by an earlier attempt;
// it is reused unless it is known to be unpurchased and unbuyable, in which case
// a replacement is created. Checkpoint runs once a new shipment has a supported
// rate and before it is bought, so the caller can persist the id.
type LabelRequest struct {
	Reference   string
	ShipmentID  string
	Items       []checkout.CartItem
	Destination checkout.Address
	Checkpoint  func(ctx context.Context, shipmentID string) error
}

// RateShopper quotes carriers for a single parcel.
type RateShopper interface {
	GetRates(ctx context.Context, items []checkout.CartItem, destination checkout.Address) ([]Rate, error)
}

// LabelPurchaser buys the cheapest supported label.
type LabelPurchaser interface {
	BuyCheapestLabel(ctx context.Context, req LabelRequest) (Label, error)
}

// Supported reports whether carrier is on the allowlist, ignoring case.
func Supported(carrier string) bool {
	for _, c := range SupportedCarriers {
		if strings.EqualFold(c, carrier) {
			return true
		}
	}
	return false
}

// Rank drops unsupported carriers and orders the rest cheapest first.
func Rank(rates []Rate) ([]Rate, error) {
	out := make([]Rate, 0, len(rates))
	for _, r := range rates {
		if Supported(r.Carrier) {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoRatesAvailable
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Cents != out[j].Cents {
			return out[i].Cents < out[j].Cents
		}
		if out[i].EstimatedDays != out[j].EstimatedDays {
			return out[i].EstimatedDays < out[j].EstimatedDays
		}
		return out[i].Carrier < out[j].Carrier
	})
	return out, nil
}
