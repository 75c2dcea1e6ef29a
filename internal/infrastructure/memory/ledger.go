package memory

import (
	"context"
	"sync"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/idempotency"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
)

// Ledger is an in-process inventory ledger. It backs local runs and tests.
type Ledger struct {
	mu    sync.Mutex
	stock map[string]int
	keys  idempotency.KeyStore
}

func NewLedger(keys idempotency.KeyStore, rows ...domain.Row) *Ledger {
	if keys == nil {
		keys = NewKeyStore()
	}
	l := &Ledger{stock: make(map[string]int, len(rows)), keys: keys}
	for _, row := range rows {
		l.stock[row.ProductID] = row.QuantityOnHand
	}
	return l
}

// Set overwrites a row. Only used for seeding.
func (l *Ledger) Set(productID string, quantity int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[productID] = quantity
}

func (l *Ledger) GetQuantity(ctx context.Context, productID string) (int, bool, error) {
	_ = ctx

	l.mu.Lock()
	defer l.mu.Unlock()

	qty, ok := l.stock[productID]
	return qty, ok, nil
}

func (l *Ledger) ApplyDecrement(ctx context.Context, productID string, amount int, idempotencyKey string) (domain.Decrement, error) {
	if amount <= 0 {
		return domain.Decrement{}, domain.ErrInvalidAmount
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.stock[productID]
	if !ok {
		return domain.Decrement{}, domain.ErrNotFound
	}

	first, err := l.keys.Claim(ctx, domain.AppliedKey(idempotencyKey, productID))
	if err != nil {
		return domain.Decrement{}, err
	}
	if !first {
		return domain.Decrement{ProductID: productID, Previous: current, NewQuantity: current, Replayed: true}, nil
	}

	next, shortfall := domain.Clamp(current, amount)
	l.stock[productID] = next
	return domain.Decrement{ProductID: productID, Previous: current, NewQuantity: next, Shortfall: shortfall}, nil
}
