package fulfillment

import (
	"errors"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/checkout"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/inventory"
)

type Class int

const (
	Retryable Class = iota
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "retryable"
}

// Classify decides whether a failed step may be attempted again. Errors it does
// not recognise are retryable: a timeout is never taken as success.
func Classify(err error) Class {
	switch {
	case errors.Is(err, checkout.ErrMissingCartData),
		errors.Is(err, inventory.ErrConfig),
		errors.Is(err, fulfillment.ErrInvalidStateTransition),
		errors.Is(err, fulfillment.ErrNotFound):
		return Terminal
	default:
		return Retryable
	}
}

// cartDataError carries the decode failure stored on a record.
type cartDataError struct{ reason string }

func (e cartDataError) Error() string { return e.reason }

func (e cartDataError) Unwrap() error { return checkout.ErrMissingCartData }
