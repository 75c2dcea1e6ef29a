package payment

import (
	"context"
	"errors"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
)

// ErrUnauthenticated covers every reason a notification cannot be trusted:
// signature mismatch, timestamp outside tolerance, malformed payload.
var ErrUnauthenticated = errors.New("payment: event not authenticated")

type EventType string

const (
	EventSessionCompleted EventType = "SessionCompleted"
	EventSessionExpired   EventType = "SessionExpired"
	EventOther            EventType = "Other"
)

// Session is the paid checkout session carried by an event.
type Session struct {
	ID            string
	Metadata      map[string]string
	CustomerEmail string
	CustomerName  string
	CustomerPhone string
	Shipping      *checkout.Address
}

// Event is a verified gateway notification. RawPayload is the exact body the
// signature was checked against.
type Event struct {
	ID           string
	Type         EventType
	ProviderType string
	SessionID    string
	Session      *Session
	RawPayload   []byte
	Signature    string
}

type SessionRequest struct {
	Items         []checkout.CartItem
	Shipping      *checkout.ShippingSelection
	CustomerEmail string
}

type SessionResult struct {
	URL string
	ID  string
}

// Gateway creates payment sessions and authenticates their notifications.
type Gateway interface {
	CreateSession(ctx context.Context, req SessionRequest) (SessionResult, error)
	VerifyEvent(ctx context.Context, rawBody []byte, signatureHeader string) (Event, error)
}
