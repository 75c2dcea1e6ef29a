package fulfillment

import (
	"context"
	"time"
)

type Repository interface {
	// Create stores a new record or returns ErrAlreadyExists.
	Create(ctx context.Context, r *Record) error
	Get(ctx context.Context, sessionID string) (*Record, error)
	// Update saves r only if the stored version still equals r.Version, then
	// increments r.Version. A stale version yields ErrConflict.
	Update(ctx context.Context, r *Record) error
	// ListStale returns non-terminal records last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*Record, error)
}
