package fulfillment

import (
	"context"

	"github.com/Zhima-Mochi/minishop-fulfillment/internal/application"
	domain "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/fulfillment"
	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
)

// EventContext decorates the context a handler runs in, e.g. with an event-scoped logger.
type EventContext func(ctx context.Context, e domoutbox.Event) context.Context

// Worker runs Process for every fulfillment.requested event on the bus.
type Worker struct {
	subscriber domoutbox.Subscriber
	process    application.UseCase[ProcessInput, *ProcessResult]
	decorate   EventContext
	log        observability.Logger
}

func NewWorker(subscriber domoutbox.Subscriber, process application.UseCase[ProcessInput, *ProcessResult], decorate EventContext, tel observability.Observability) *Worker {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Worker{
		subscriber: subscriber,
		process:    process,
		decorate:   decorate,
		log:        tel.Logger().With(observability.F("component", "fulfillment_worker")),
	}
}

func (w *Worker) Start() {
	if w.subscriber == nil || w.process == nil {
		return
	}
	w.subscriber.Subscribe(domain.RequestedEvent{}.EventName(), w.handleRequested)
}

func (w *Worker) handleRequested(ctx context.Context, e domoutbox.Event) error {
	evt, ok := e.(domain.RequestedEvent)
	if !ok {
		return nil
	}
	if w.decorate != nil {
		ctx = w.decorate(ctx, e)
	}
	logger := logctx.FromOr(ctx, w.log).With(observability.F("trigger", evt.Trigger))
	ctx = logctx.With(ctx, logger)

	res, err := w.process.Execute(ctx, ProcessInput{SessionID: evt.SessionID})
	if err != nil {
		return err
	}
	if res.Busy {
		logger.Debug("fulfillment_busy", observability.F("session_id", evt.SessionID))
	}
	return nil
}
