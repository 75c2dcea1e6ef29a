package inventory

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("inventory: product not found")
	ErrDataCorrupt   = errors.New("inventory: malformed row data")
	ErrConflict      = errors.New("inventory: concurrent modification")
	ErrConfig        = errors.New("inventory: ledger misconfigured")
	ErrInvalidAmount = errors.New("inventory: decrement amount must be greater than zero")
)

// Row is a single product line of the remote ledger.
type Row struct {
	ProductID      string
	QuantityOnHand int
}

// Decrement describes the outcome of one ApplyDecrement call.
type Decrement struct {
	ProductID   string
	Previous    int
	NewQuantity int
	// Shortfall is the part of the requested amount that stock could not cover.
	Shortfall int
	// Replayed is set when the idempotency key had already been applied.
	Replayed bool
}

// Ledger is the stock store fulfillment decrements against. Implementations never
// let quantity go below zero and apply a given idempotency key at most once per product.
type Ledger interface {
	GetQuantity(ctx context.Context, productID string) (quantity int, found bool, err error)
	ApplyDecrement(ctx context.Context, productID string, amount int, idempotencyKey string) (Decrement, error)
}

// Clamp applies amount to onHand without going negative.
func Clamp(onHand, amount int) (newQuantity, shortfall int) {
	if amount <= onHand {
		return onHand - amount, 0
	}
	return 0, amount - onHand
}

// AppliedKey scopes an idempotency key to one product line.
func AppliedKey(idempotencyKey, productID string) string {
	return "ledger:" + idempotencyKey + ":" + productID
}
