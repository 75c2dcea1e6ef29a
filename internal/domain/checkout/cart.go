package checkout

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	ErrInvalidCart     = errors.New("checkout: invalid cart")
	ErrMissingCartData = errors.New("checkout: missing cart data")
	ErrCartTooLarge    = errors.New("checkout: cart exceeds metadata limit")
)

type SizeTier string

const (
	TierSmall  SizeTier = "Small"
	TierMedium SizeTier = "Medium"
	TierLarge  SizeTier = "Large"
)

// DefaultTier applies to items that do not declare a size.
const DefaultTier = TierSmall

// CartItem is immutable once a checkout session has been created from it.
type CartItem struct {
	ProductID      string   `json:"productId" validate:"required"`
	Name           string   `json:"name"`
	UnitPriceCents int64    `json:"unitPriceCents" validate:"min=0"`
	Quantity       int      `json:"quantity" validate:"min=1"`
	WeightOz       float64  `json:"weightOz" validate:"min=0"`
	SizeTier       SizeTier `json:"sizeTier,omitempty" validate:"omitempty,oneof=Small Medium Large"`
}

// Tier returns the declared tier or DefaultTier.
func (i CartItem) Tier() SizeTier {
	if i.SizeTier == "" {
		return DefaultTier
	}
	return i.SizeTier
}

type ShippingSelection struct {
	Carrier        string `json:"carrier" validate:"required"`
	Service        string `json:"service" validate:"required"`
	RateCents      int64  `json:"rateCents" validate:"min=0"`
	EstimatedDays  int    `json:"estimatedDays" validate:"min=0"`
	ProviderRateID string `json:"providerRateId"`
}

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country"`
}

// Normalize trims every field and defaults the country to US.
func (a Address) Normalize() Address {
	a.Name = strings.TrimSpace(a.Name)
	a.Line1 = strings.TrimSpace(a.Line1)
	a.Line2 = strings.TrimSpace(a.Line2)
	a.City = strings.TrimSpace(a.City)
	a.State = strings.TrimSpace(a.State)
	a.PostalCode = strings.TrimSpace(a.PostalCode)
	a.Country = strings.ToUpper(strings.TrimSpace(a.Country))
	if a.Country == "" {
		a.Country = "US"
	}
	return a
}

// Complete reports whether the address carries enough to ship a parcel.
func (a Address) Complete() bool {
	return a.Line1 != "" && a.City != "" && a.PostalCode != ""
}

type Customer struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Snapshot is everything fulfillment needs from a paid session. It is persisted
// with the fulfillment record so a resumed run never depends on the original event.
type Snapshot struct {
	Items       []CartItem         `json:"items"`
	Shipping    *ShippingSelection `json:"shipping,omitempty"`
	Customer    Customer           `json:"customer"`
	Destination *Address           `json:"destination,omitempty"`
	Minimal     bool               `json:"minimal,omitempty"`
}

var validate = validator.New()

// ValidateItems checks every line of a cart before it is turned into a session.
func ValidateItems(items []CartItem) error {
	if len(items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidCart)
	}
	for i := range items {
		if err := validate.Struct(items[i]); err != nil {
			return fmt.Errorf("%w: line %d: %w", ErrInvalidCart, i, err)
		}
	}
	return nil
}

// ValidateShipping checks an optional shipping selection.
func ValidateShipping(s *ShippingSelection) error {
	if s == nil {
		return nil
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: shipping: %w", ErrInvalidCart, err)
	}
	return nil
}

// ValidateAddress checks a destination address for rate shopping.
func ValidateAddress(a Address) error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("%w: address: %w", ErrInvalidCart, err)
	}
	return nil
}
