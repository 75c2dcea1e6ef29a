package fulfillment

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy bounds how hard Process tries before giving a record up as Failed.
type Policy struct {
	// MaxAttempts counts every failed pass, including those of earlier executions.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// StepTimeout bounds each external call.
	StepTimeout time.Duration
	// LockTTL is how long a session lease lives if its holder dies. The lease is
	// renewed before every external call, so it must outlast one StepTimeout.
	LockTTL time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		StepTimeout:     15 * time.Second,
		LockTTL:         2 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.StepTimeout <= 0 {
		p.StepTimeout = d.StepTimeout
	}
	if p.LockTTL <= 0 {
		p.LockTTL = d.LockTTL
	}
	if p.LockTTL < 2*p.StepTimeout {
		p.LockTTL = 2 * p.StepTimeout
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based): exponential
// growth capped at MaxInterval, with full jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.InitialInterval
	if base <= 0 {
		base = time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		base = time.Duration(float64(base) * p.Multiplier)
		if base > p.MaxInterval {
			base = p.MaxInterval
			break
		}
	}
	return time.Duration(rand.Int64N(base.Milliseconds()+1)) * time.Millisecond
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
