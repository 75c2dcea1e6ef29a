package outbox

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
)

// ErrStopped is returned by Publish once the bus has been stopped.
var ErrStopped = errors.New("outbox: bus stopped")

const componentOutbox = "outbox"

// Bus is an in-memory event bus. It is not durable: anything it loses is
// picked up again from the store by the fulfillment sweeper.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string][]domoutbox.Handler
	queue     chan domoutbox.Event
	stopped   bool
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	loops     sync.WaitGroup

	workers        int
	concurrency    int
	handlerTimeout time.Duration
	log            observability.Logger
}

type Option func(*Bus)

// WithWorkers sets how many events are dispatched at the same time.
func WithWorkers(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithHandlerConcurrency caps the handlers run in parallel for one event.
func WithHandlerConcurrency(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.handlerTimeout = d
		}
	}
}

func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan domoutbox.Event, n)
		}
	}
}

// NewBus creates a bus with a buffered queue and a concurrency cap.
func NewBus(logger observability.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = observability.NopLogger()
	}
	b := &Bus{
		subs:           make(map[string][]domoutbox.Handler),
		queue:          make(chan domoutbox.Event, 1024),
		workers:        4,
		concurrency:    8,
		handlerTimeout: 30 * time.Second,
		log:            logger.With(observability.F("component", componentOutbox)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) Subscribe(eventName string, h domoutbox.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventName] = append(b.subs[eventName], h)
}

func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
		b.cancel = cancel
		for i := 0; i < b.workers; i++ {
			b.loops.Add(1)
			go func() {
				defer b.loops.Done()
				b.dispatchLoop(bg)
			}()
		}
		logctx.FromOr(ctx, b.log).Info("event_bus_started", observability.F("workers", b.workers))
	})
}

// Stop refuses new events, lets queued events drain until ctx is done, then
// cancels in-flight handlers.
func (b *Bus) Stop(ctx context.Context) {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		close(b.queue)
		b.mu.Unlock()

		done := make(chan struct{})
		go func() {
			b.loops.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
		if b.cancel != nil {
			b.cancel()
		}
		logctx.FromOr(ctx, b.log).Info("event_bus_stopped")
	})
}

func (b *Bus) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return ErrStopped
	}

	logger := logctx.FromOr(ctx, b.log).With(observability.F("event", e.EventName()))
	select {
	case b.queue <- e:
		logger.Debug("event_enqueued")
		return nil
	case <-ctx.Done():
		logger.Warn("event_enqueue_aborted", observability.F("error", ctx.Err()))
		return ctx.Err()
	}
}

func (b *Bus) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.queue:
			if !ok {
				return
			}
			b.fanout(ctx, e)
		}
	}
}

func (b *Bus) fanout(ctx context.Context, e domoutbox.Event) {
	name := e.EventName()

	b.mu.RLock()
	handlers := append([]domoutbox.Handler(nil), b.subs[name]...)
	b.mu.RUnlock()

	baseLogger := b.log.With(observability.F("event", name))
	if len(handlers) == 0 {
		baseLogger.Debug("event_dropped_no_subscriber")
		return
	}

	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup

	for _, h := range handlers {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					baseLogger.Error("event_handler_panic",
						observability.F("panic", r),
						observability.F("stack", string(debug.Stack())),
					)
				}
				<-sem
				wg.Done()
			}()

			hctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
			defer cancel()
			hctx = logctx.With(hctx, baseLogger)
			if err := h(hctx, e); err != nil {
				baseLogger.Warn("event_handler_error", observability.F("error", err.Error()))
			}
		}()
	}

	wg.Wait()

	baseLogger.Debug("event_fanned_out", observability.F("handlers", len(handlers)))
}

// Fanout publishes every event to each publisher in turn. A failing publisher
// does not stop the others; the errors are joined.
type Fanout []domoutbox.Publisher

func (f Fanout) Publish(ctx context.Context, e domoutbox.Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
