package notification

import (
	"context"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
)

// ShippedNotice is the content of the "your order has shipped" message.
type ShippedNotice struct {
	Email        string
	Name         string
	Items        []checkout.CartItem
	Address      checkout.Address
	TrackingCode string
	Carrier      string
	Service      string
	LabelURL     string
}

type Notifier interface {
	SendShipped(ctx context.Context, notice ShippedNotice) error
}
