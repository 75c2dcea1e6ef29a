package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// MetadataVersion is the schema version written into every session.
	MetadataVersion = 1
	// MetadataValueLimit is the gateway's per-value character limit.
	MetadataValueLimit = 500

	keyVersion  = "cart_v"
	keyCart     = "cart"
	keySum      = "cart_sum"
	keyMinimal  = "cart_min"
	keyShipping = "shipping"
	keyLegacy   = "items"
)

type wireLine struct {
	ID     string   `json:"id"`
	Name   string   `json:"n,omitempty"`
	Price  int64    `json:"p,omitempty"`
	Qty    int      `json:"q"`
	Weight float64  `json:"w,omitempty"`
	Tier   SizeTier `json:"t,omitempty"`
}

type wireShipping struct {
	Carrier string `json:"c"`
	Service string `json:"s"`
	Cents   int64  `json:"r"`
	Days    int    `json:"d"`
	RateID  string `json:"id,omitempty"`
}

type legacyLine struct {
	ProductID string `json:"productId"`
	Qty       int    `json:"qty"`
	Quantity  int    `json:"quantity"`
}

// Cart is the decoded form of session metadata.
type Cart struct {
	Items    []CartItem
	Shipping *ShippingSelection
	// Minimal is set when only {productId, quantity} survived encoding.
	Minimal bool
}

// EncodeMetadata serialises a cart and optional shipping selection into session
// metadata. Full lines are kept when they fit the per-value limit; otherwise only
// product id and quantity are kept, since prices travel separately as line items.
func EncodeMetadata(items []CartItem, shipping *ShippingSelection) (map[string]string, error) {
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	full := make([]wireLine, len(items))
	minimal := make([]wireLine, len(items))
	for i, it := range items {
		full[i] = wireLine{
			ID:     it.ProductID,
			Name:   it.Name,
			Price:  it.UnitPriceCents,
			Qty:    it.Quantity,
			Weight: it.WeightOz,
			Tier:   it.SizeTier,
		}
		minimal[i] = wireLine{ID: it.ProductID, Qty: it.Quantity}
	}

	md := map[string]string{keyVersion: strconv.Itoa(MetadataVersion)}

	cart, err := json.Marshal(full)
	if err != nil {
		return nil, fmt.Errorf("checkout: encode cart: %w", err)
	}
	if len(cart) > MetadataValueLimit {
		cart, err = json.Marshal(minimal)
		if err != nil {
			return nil, fmt.Errorf("checkout: encode minimal cart: %w", err)
		}
		if len(cart) > MetadataValueLimit {
			return nil, fmt.Errorf("%w: %d lines encode to %d characters", ErrCartTooLarge, len(items), len(cart))
		}
		md[keyMinimal] = "1"
	}
	md[keyCart] = string(cart)
	md[keySum] = checksum(md[keyCart])

	if shipping != nil {
		raw, err := json.Marshal(wireShipping{
			Carrier: shipping.Carrier,
			Service: shipping.Service,
			Cents:   shipping.RateCents,
			Days:    shipping.EstimatedDays,
			RateID:  shipping.ProviderRateID,
		})
		if err != nil {
			return nil, fmt.Errorf("checkout: encode shipping: %w", err)
		}
		md[keyShipping] = string(raw)
	}
	return md, nil
}

// DecodeMetadata reverses EncodeMetadata. Anything that cannot be trusted to be
// the cart that was paid for is reported as ErrMissingCartData.
func DecodeMetadata(md map[string]string) (Cart, error) {
	raw, ok := md[keyCart]
	if !ok {
		if legacy, ok := md[keyLegacy]; ok {
			return decodeLegacy(legacy)
		}
		return Cart{}, fmt.Errorf("%w: no cart key", ErrMissingCartData)
	}

	if v := md[keyVersion]; v != strconv.Itoa(MetadataVersion) {
		return Cart{}, fmt.Errorf("%w: unsupported version %q", ErrMissingCartData, v)
	}
	if sum := md[keySum]; sum != checksum(raw) {
		return Cart{}, fmt.Errorf("%w: checksum mismatch", ErrMissingCartData)
	}

	var lines []wireLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return Cart{}, fmt.Errorf("%w: %w", ErrMissingCartData, err)
	}

	cart := Cart{Minimal: md[keyMinimal] == "1"}
	for _, l := range lines {
		cart.Items = append(cart.Items, CartItem{
			ProductID:      l.ID,
			Name:           l.Name,
			UnitPriceCents: l.Price,
			Quantity:       l.Qty,
			WeightOz:       l.Weight,
			SizeTier:       l.Tier,
		})
	}
	if err := ValidateItems(cart.Items); err != nil {
		return Cart{}, fmt.Errorf("%w: %w", ErrMissingCartData, err)
	}

	if s, ok := md[keyShipping]; ok && s != "" {
		var ws wireShipping
		if err := json.Unmarshal([]byte(s), &ws); err != nil {
			return Cart{}, fmt.Errorf("%w: shipping: %w", ErrMissingCartData, err)
		}
		cart.Shipping = &ShippingSelection{
			Carrier:        ws.Carrier,
			Service:        ws.Service,
			RateCents:      ws.Cents,
			EstimatedDays:  ws.Days,
			ProviderRateID: ws.RateID,
		}
	}
	return cart, nil
}

// decodeLegacy accepts the unversioned `items` key written by earlier checkouts.
func decodeLegacy(raw string) (Cart, error) {
	var lines []legacyLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return Cart{}, fmt.Errorf("%w: legacy items: %w", ErrMissingCartData, err)
	}
	cart := Cart{Minimal: true}
	for _, l := range lines {
		qty := l.Qty
		if qty == 0 {
			qty = l.Quantity
		}
		if qty == 0 {
			qty = 1
		}
		cart.Items = append(cart.Items, CartItem{ProductID: l.ProductID, Quantity: qty})
	}
	if err := ValidateItems(cart.Items); err != nil {
		return Cart{}, fmt.Errorf("%w: %w", ErrMissingCartData, err)
	}
	return cart, nil
}

func checksum(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
