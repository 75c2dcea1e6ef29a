package easypost

import (
	"context"
	"errors"
	"testing"

	ep "github.com/EasyPost/easypost-go/v4"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/shipping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	rates     []*ep.Rate
	created   []*ep.Shipment
	shipments map[string]*ep.Shipment
	createErr error
	buyErr    error
	// landOnError records postage even when the buy call fails.
	landOnError bool
	// expired lists shipments whose rates the provider no longer honours.
	expired map[string]bool
	buys    int
}

func (f *fakeAPI) CreateShipmentWithContext(_ context.Context, in *ep.Shipment) (*ep.Shipment, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if f.shipments == nil {
		f.shipments = map[string]*ep.Shipment{}
	}
	out := *in
	out.ID = "shp_" + string(rune('0'+len(f.created)))
	out.Rates = f.rates
	f.created = append(f.created, in)
	f.shipments[out.ID] = &out
	return &out, nil
}

func (f *fakeAPI) GetShipmentWithContext(_ context.Context, id string) (*ep.Shipment, error) {
	shp, ok := f.shipments[id]
	if !ok {
		return nil, errors.New("not found")
	}
	cp := *shp
	return &cp, nil
}

func (f *fakeAPI) BuyShipmentWithContext(_ context.Context, id string, r *ep.Rate, _ string) (*ep.Shipment, error) {
	f.buys++
	shp := f.shipments[id]
	if f.expired[id] {
		return nil, errors.New("RATE.EXPIRED")
	}
	if f.buyErr != nil && !f.landOnError {
		return nil, f.buyErr
	}
	shp.SelectedRate = r
	shp.TrackingCode = "TRK" + r.ID
	shp.PostageLabel = &ep.PostageLabel{LabelURL: "https://labels.example/" + id}
	if f.buyErr != nil {
		return nil, f.buyErr
	}
	cp := *shp
	return &cp, nil
}

var dest = checkout.Address{Name: "Ash", Line1: "1 Main St", City: "Pallet", State: "CA", PostalCode: "90001"}

func items() []checkout.CartItem {
	return []checkout.CartItem{{ProductID: "A1", Name: "Booster Box", Quantity: 2}}
}

func defaultRates() []*ep.Rate {
	return []*ep.Rate{
		{ID: "rate_dhl", Carrier: "DHLExpress", Service: "Express", Rate: "3.00", DeliveryDays: 2},
		{ID: "rate_ups", Carrier: "UPS", Service: "Ground", Rate: "11.20", DeliveryDays: 4},
		{ID: "rate_usps", Carrier: "USPS", Service: "Priority", Rate: "7.58", DeliveryDays: 3},
	}
}

func TestGetRatesFiltersAndSorts(t *testing.T) {
	api := &fakeAPI{rates: defaultRates()}
	c := New(api, 0, nil)

	rates, err := c.GetRates(context.Background(), items(), dest)
	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "USPS", rates[0].Carrier)
	assert.Equal(t, int64(758), rates[0].Cents)
	assert.Equal(t, int64(1120), rates[1].Cents)

	require.Len(t, api.created, 1)
	sent := api.created[0]
	assert.Equal(t, 64.0, sent.Parcel.Weight)
	assert.Equal(t, "US", sent.ToAddress.Country)
	assert.Equal(t, "60656", sent.FromAddress.Zip)
}

func TestGetRatesErrors(t *testing.T) {
	c := New(&fakeAPI{rates: []*ep.Rate{{ID: "r", Carrier: "DHLExpress", Rate: "1.00"}}}, 0, nil)
	_, err := c.GetRates(context.Background(), items(), dest)
	assert.ErrorIs(t, err, shipping.ErrNoRatesAvailable)

	c = New(&fakeAPI{createErr: errors.New("dial tcp: timeout")}, 0, nil)
	_, err = c.GetRates(context.Background(), items(), dest)
	assert.ErrorIs(t, err, shipping.ErrProviderUnavailable)
}

func TestBuyCheapestLabel(t *testing.T) {
	api := &fakeAPI{rates: defaultRates()}
	c := New(api, 0, nil)

	var checkpointed string
	label, err := c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{
		Reference:   "cs_1",
		Items:       items(),
		Destination: dest,
		Checkpoint: func(_ context.Context, id string) error {
			checkpointed = id
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "shp_0", checkpointed)
	assert.Equal(t, "TRKrate_usps", label.TrackingCode)
	assert.Equal(t, "USPS", label.Carrier)
	assert.Equal(t, "Priority", label.Service)
	assert.Equal(t, int64(758), label.Cents)
	assert.Equal(t, "cs_1", api.created[0].Reference)
}

func TestBuyCheapestLabelReusesPurchasedShipment(t *testing.T) {
	api := &fakeAPI{rates: defaultRates()}
	c := New(api, 0, nil)
	req := shipping.LabelRequest{Reference: "cs_1", Items: items(), Destination: dest}

	first, err := c.BuyCheapestLabel(context.Background(), req)
	require.NoError(t, err)

	req.ShipmentID = first.ShipmentID
	again, err := c.BuyCheapestLabel(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, api.buys)
	assert.Len(t, api.created, 1)
}

func TestBuyCheapestLabelRecoversWhenPurchaseLanded(t *testing.T) {
	api := &fakeAPI{rates: defaultRates(), buyErr: errors.New("SHIPMENT.POSTAGE.EXISTS"), landOnError: true}
	c := New(api, 0, nil)

	label, err := c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{Items: items(), Destination: dest})
	require.NoError(t, err)
	assert.NotEmpty(t, label.LabelURL)
}

func TestBuyCheapestLabelFailures(t *testing.T) {
	api := &fakeAPI{rates: defaultRates(), buyErr: errors.New("card declined")}
	c := New(api, 0, nil)
	_, err := c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{Items: items(), Destination: dest})
	assert.ErrorIs(t, err, shipping.ErrPurchaseFailed)

	api = &fakeAPI{}
	c = New(api, 0, nil)
	_, err = c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{Items: items(), Destination: dest})
	assert.ErrorIs(t, err, shipping.ErrNoRatesAvailable)
	assert.Zero(t, api.buys)

	api = &fakeAPI{rates: defaultRates()}
	c = New(api, 0, nil)
	_, err = c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{
		Items:       items(),
		Destination: dest,
		Checkpoint:  func(context.Context, string) error { return errors.New("db down") },
	})
	require.Error(t, err)
	assert.Zero(t, api.buys)
}

func TestBuyCheapestLabelSkipsCheckpointWithoutRates(t *testing.T) {
	api := &fakeAPI{rates: []*ep.Rate{{ID: "rate_dhl", Carrier: "DHLExpress", Rate: "3.00"}}}
	c := New(api, 0, nil)

	var checkpointed []string
	req := shipping.LabelRequest{
		Reference:   "cs_1",
		Items:       items(),
		Destination: dest,
		Checkpoint: func(_ context.Context, id string) error {
			checkpointed = append(checkpointed, id)
			return nil
		},
	}
	_, err := c.BuyCheapestLabel(context.Background(), req)
	require.ErrorIs(t, err, shipping.ErrNoRatesAvailable)
	assert.Empty(t, checkpointed)
	assert.Zero(t, api.buys)

	api.rates = defaultRates()
	label, err := c.BuyCheapestLabel(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{"shp_1"}, checkpointed)
	assert.Equal(t, "shp_1", label.ShipmentID)
	assert.Len(t, api.created, 2)
	assert.Equal(t, 1, api.buys)
}

func TestBuyCheapestLabelReplacesShipmentWithoutRates(t *testing.T) {
	api := &fakeAPI{rates: []*ep.Rate{{ID: "rate_dhl", Carrier: "DHLExpress", Rate: "3.00"}}}
	stale, err := api.CreateShipmentWithContext(context.Background(), &ep.Shipment{Reference: "cs_1"})
	require.NoError(t, err)
	api.rates = defaultRates()
	c := New(api, 0, nil)

	var checkpointed string
	label, err := c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{
		Reference:   "cs_1",
		ShipmentID:  stale.ID,
		Items:       items(),
		Destination: dest,
		Checkpoint: func(_ context.Context, id string) error {
			checkpointed = id
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "shp_1", checkpointed)
	assert.Equal(t, "shp_1", label.ShipmentID)
	assert.Equal(t, "USPS", label.Carrier)
	assert.Equal(t, 1, api.buys)
}

func TestBuyCheapestLabelReplacesShipmentWithExpiredRates(t *testing.T) {
	api := &fakeAPI{rates: defaultRates()}
	stale, err := api.CreateShipmentWithContext(context.Background(), &ep.Shipment{Reference: "cs_1"})
	require.NoError(t, err)
	api.expired = map[string]bool{stale.ID: true}
	c := New(api, 0, nil)

	label, err := c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{
		Reference:   "cs_1",
		ShipmentID:  stale.ID,
		Items:       items(),
		Destination: dest,
	})
	require.NoError(t, err)
	assert.Equal(t, "shp_1", label.ShipmentID)
	assert.Equal(t, 2, api.buys)
	assert.Len(t, api.created, 2)
}

func TestBuyCheapestLabelKeepsShipmentWhenOutcomeUnknown(t *testing.T) {
	api := &fakeAPI{
		buyErr:    errors.New("connection reset"),
		shipments: map[string]*ep.Shipment{"shp_x": {ID: "shp_x", Rates: defaultRates()}},
	}
	c := New(&lossyAPI{fakeAPI: api, lose: "shp_x"}, 0, nil)

	_, err := c.BuyCheapestLabel(context.Background(), shipping.LabelRequest{
		ShipmentID:  "shp_x",
		Items:       items(),
		Destination: dest,
	})
	require.ErrorIs(t, err, shipping.ErrProviderUnavailable)
	assert.NotErrorIs(t, err, shipping.ErrPurchaseFailed)
	assert.Empty(t, api.created)
}

// lossyAPI fails every lookup of lose after the first one.
type lossyAPI struct {
	*fakeAPI
	lose  string
	reads int
}

func (l *lossyAPI) GetShipmentWithContext(ctx context.Context, id string) (*ep.Shipment, error) {
	if id == l.lose {
		l.reads++
		if l.reads > 1 {
			return nil, errors.New("timeout")
		}
	}
	return l.fakeAPI.GetShipmentWithContext(ctx, id)
}

func TestCents(t *testing.T) {
	for in, want := range map[string]int64{"7.58": 758, "10": 1000, " 0.005 ": 1} {
		got, err := cents(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := cents("n/a")
	assert.Error(t, err)
}
