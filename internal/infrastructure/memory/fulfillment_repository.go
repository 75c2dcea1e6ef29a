package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
)

type FulfillmentRepository struct {
	mu      sync.RWMutex
	records map[string]*domain.Record
}

func NewFulfillmentRepository() *FulfillmentRepository {
	return &FulfillmentRepository{
		records: make(map[string]*domain.Record),
	}
}

func (r *FulfillmentRepository) Create(ctx context.Context, rec *domain.Record) error {
	_ = ctx
	if rec == nil || rec.SessionID == "" {
		return domain.ErrSessionRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[rec.SessionID]; exists {
		return domain.ErrAlreadyExists
	}
	rec.Version = 1
	r.records[rec.SessionID] = rec.Clone()
	return nil
}

func (r *FulfillmentRepository) Get(ctx context.Context, sessionID string) (*domain.Record, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[sessionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *FulfillmentRepository) Update(ctx context.Context, rec *domain.Record) error {
	_ = ctx
	if rec == nil || rec.SessionID == "" {
		return domain.ErrSessionRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.records[rec.SessionID]
	if !exists {
		return domain.ErrNotFound
	}
	if stored.Version != rec.Version {
		return domain.ErrConflict
	}
	rec.Version++
	r.records[rec.SessionID] = rec.Clone()
	return nil
}

func (r *FulfillmentRepository) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Record, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Record, 0)
	for _, rec := range r.records {
		if rec.Status.Terminal() || !rec.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
