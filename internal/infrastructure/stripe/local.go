package stripe

import (
	"maps"
	"net/url"

	stripe "github.com/stripe/stripe-go/v76"
)

// IDGenerator hands out unique identifiers.
type IDGenerator interface {
	NewID() string
}

// LocalSessions stands in for the Checkout API on local runs. It echoes the
// request back as a session without calling Stripe.
type LocalSessions struct {
	ids     IDGenerator
	baseURL string
}

func NewLocalSessions(ids IDGenerator, baseURL string) *LocalSessions {
	return &LocalSessions{ids: ids, baseURL: baseURL}
}

func (s *LocalSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	id := "cs_local_" + s.ids.NewID()
	cs := &stripe.CheckoutSession{
		ID:       id,
		URL:      s.baseURL + "?session_id=" + url.QueryEscape(id),
		Metadata: maps.Clone(params.Metadata),
	}
	if params.CustomerEmail != nil {
		cs.CustomerEmail = *params.CustomerEmail
	}
	return cs, nil
}
