package payment_test

import (
	"context"
	"errors"
	"testing"

	appinventory "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/inventory"
	apppayment "github.com/Zhima-Mochi/minishop-fulfillment/internal/application/payment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	dominv "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
	dompay "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/payment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/infrastructure/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	requests []dompay.SessionRequest
	err      error
}

func (g *fakeGateway) CreateSession(_ context.Context, req dompay.SessionRequest) (dompay.SessionResult, error) {
	if g.err != nil {
		return dompay.SessionResult{}, g.err
	}
	g.requests = append(g.requests, req)
	return dompay.SessionResult{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (g *fakeGateway) VerifyEvent(context.Context, []byte, string) (dompay.Event, error) {
	return dompay.Event{}, dompay.ErrUnauthenticated
}

type brokenLedger struct{}

func (brokenLedger) GetQuantity(context.Context, string) (int, bool, error) {
	return 0, false, errors.New("sheets: 503")
}

func (brokenLedger) ApplyDecrement(context.Context, string, int, string) (dominv.Decrement, error) {
	return dominv.Decrement{}, errors.New("sheets: 503")
}

func newUseCase(gw dompay.Gateway, ledger dominv.Ledger) *apppayment.CreateSessionUseCase {
	return apppayment.NewCreateSessionUseCase(gw, appinventory.NewCheckStockUseCase(ledger, nil), nil)
}

func TestCreateSession(t *testing.T) {
	gw := &fakeGateway{}
	ledger := memory.NewLedger(memory.NewKeyStore(), dominv.Row{ProductID: "A1", QuantityOnHand: 5})
	uc := newUseCase(gw, ledger)

	res, err := uc.Execute(context.Background(), apppayment.CreateSessionInput{
		Items:         []checkout.CartItem{{ProductID: "A1", Name: "Booster Box", UnitPriceCents: 14999, Quantity: 2}},
		Shipping:      &checkout.ShippingSelection{Carrier: "USPS", Service: "Priority", RateCents: 995},
		CustomerEmail: "ash@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", res.SessionID)
	assert.Equal(t, "https://checkout.example/cs_test_1", res.URL)
	require.Len(t, gw.requests, 1)
	assert.Equal(t, "ash@example.com", gw.requests[0].CustomerEmail)
}

func TestCreateSessionRejectsOutOfStock(t *testing.T) {
	gw := &fakeGateway{}
	ledger := memory.NewLedger(memory.NewKeyStore(), dominv.Row{ProductID: "A1", QuantityOnHand: 2})
	uc := newUseCase(gw, ledger)

	_, err := uc.Execute(context.Background(), apppayment.CreateSessionInput{
		Items: []checkout.CartItem{{ProductID: "A1", Quantity: 2}, {ProductID: "A1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, apppayment.ErrOutOfStock)

	_, err = uc.Execute(context.Background(), apppayment.CreateSessionInput{
		Items: []checkout.CartItem{{ProductID: "UNKNOWN", Quantity: 1}},
	})
	assert.ErrorIs(t, err, apppayment.ErrOutOfStock)
	assert.Empty(t, gw.requests)
}

func TestCreateSessionValidatesCart(t *testing.T) {
	uc := newUseCase(&fakeGateway{}, memory.NewLedger(memory.NewKeyStore()))

	_, err := uc.Execute(context.Background(), apppayment.CreateSessionInput{})
	assert.ErrorIs(t, err, checkout.ErrInvalidCart)

	_, err = uc.Execute(context.Background(), apppayment.CreateSessionInput{
		Items: []checkout.CartItem{{ProductID: "A1", Quantity: 0}},
	})
	assert.ErrorIs(t, err, checkout.ErrInvalidCart)
}

func TestCreateSessionToleratesLedgerOutage(t *testing.T) {
	gw := &fakeGateway{}
	uc := newUseCase(gw, brokenLedger{})

	res, err := uc.Execute(context.Background(), apppayment.CreateSessionInput{
		Items: []checkout.CartItem{{ProductID: "A1", Quantity: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", res.SessionID)
}

func TestCreateSessionGatewayFailure(t *testing.T) {
	boom := errors.New("stripe: 500")
	uc := apppayment.NewCreateSessionUseCase(&fakeGateway{err: boom}, nil, nil)

	_, err := uc.Execute(context.Background(), apppayment.CreateSessionInput{
		Items: []checkout.CartItem{{ProductID: "A1", Quantity: 1}},
	})
	assert.ErrorIs(t, err, boom)
}
