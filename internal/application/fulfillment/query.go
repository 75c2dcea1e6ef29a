package fulfillment

import (
	"context"

	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
)

type Query struct {
	repo domain.Repository
}

func NewQuery(repo domain.Repository) *Query {
	return &Query{repo: repo}
}

// Get returns a copy of the record for sessionID or domain.ErrNotFound.
func (q *Query) Get(ctx context.Context, sessionID string) (*domain.Record, error) {
	if sessionID == "" {
		return nil, domain.ErrSessionRequired
	}
	return q.repo.Get(ctx, sessionID)
}
