package fulfillment

import (
	"context"
	"time"

	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
)

const (
	useCaseSweep = "fulfillment.sweep"

	defaultSweepInterval = time.Minute
	defaultSweepAge      = 2 * time.Minute
	defaultSweepBatch    = 100
)

// Sweeper re-requests records left in a transient status, e.g. after a crash
// or a dropped bus event.
type Sweeper struct {
	repo      domain.Repository
	publisher domoutbox.Publisher
	interval  time.Duration
	age       time.Duration
	batch     int
	now       func() time.Time
	instruments
}

func NewSweeper(repo domain.Repository, publisher domoutbox.Publisher, interval, age time.Duration, tel observability.Observability) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if age <= 0 {
		age = defaultSweepAge
	}
	return &Sweeper{
		repo:        repo,
		publisher:   publisher,
		interval:    interval,
		age:         age,
		batch:       defaultSweepBatch,
		now:         time.Now,
		instruments: newInstruments(tel, "fulfillment_sweeper"),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		_, _ = s.SweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce publishes fulfillment.requested for every stale record and returns
// how many were requested.
func (s *Sweeper) SweepOnce(ctx context.Context) (n int, err error) {
	ctx, r := s.begin(ctx, useCaseSweep, "SweepStale")
	defer func() {
		r.with(observability.F("requested", n))
		r.end(err)
	}()

	stale, err := s.repo.ListStale(ctx, s.now().Add(-s.age), s.batch)
	if err != nil {
		r.set("error", "REPO_LIST_FAILED")
		return 0, err
	}
	if len(stale) == 0 {
		r.set("success", "NOTHING_STALE")
		return 0, nil
	}

	for _, rec := range stale {
		start := time.Now()
		pubErr := s.publisher.Publish(ctx, domain.NewRequestedEvent(rec.SessionID, "sweeper"))
		s.external(peerOutbox, domain.RequestedEvent{}.EventName(), start, pubErr)
		if pubErr != nil {
			r.set("error", "EVENT_PUBLISH_FAILED")
			r.logger.Warn("event_publish_failed",
				observability.F("event", domain.RequestedEvent{}.EventName()),
				observability.F("session_id", rec.SessionID),
				observability.F("error", pubErr.Error()),
			)
			err = pubErr
			continue
		}
		n++
	}
	return n, err
}
