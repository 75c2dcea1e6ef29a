package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	domoutbox "github.com/Zhima-Mochi/minishop-fulfillment/internal/domain/outbox"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability"
	"github.com/Zhima-Mochi/minishop-fulfillment/internal/observability/logctx"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const peerKafka = "kafka"

// Producer is satisfied by *kafka.Writer.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter builds a writer that hashes message keys onto partitions so every
// event for one session stays ordered.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

type keyed interface {
	AggregateID() string
}

// Publisher forwards domain events to a topic as JSON.
type Publisher struct {
	producer Producer
	log      observability.Logger

	extCounter   observability.Counter
	extHistogram observability.Histogram
}

func NewPublisher(producer Producer, tel observability.Observability) *Publisher {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Publisher{
		producer:     producer,
		log:          tel.Logger().With(observability.F("component", "kafka_publisher")),
		extCounter:   tel.Metrics().Counter(observability.MExternalRequests),
		extHistogram: tel.Metrics().Histogram(observability.MExternalRequestDuration),
	}
}

func (p *Publisher) Publish(ctx context.Context, e domoutbox.Event) error {
	if e == nil {
		return nil
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("kafka: encode %s: %w", e.EventName(), err)
	}

	msg := kafka.Message{
		Value:   payload,
		Headers: injectHeaders(ctx, []kafka.Header{{Key: "event_type", Value: []byte(e.EventName())}}),
	}
	if k, ok := e.(keyed); ok {
		msg.Key = []byte(k.AggregateID())
	}

	start := time.Now()
	err = p.producer.WriteMessages(ctx, msg)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	p.extCounter.Add(1,
		observability.L("peer", peerKafka),
		observability.L("endpoint", e.EventName()),
		observability.L("outcome", outcome),
	)
	p.extHistogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", peerKafka),
		observability.L("endpoint", e.EventName()),
	)

	logger := logctx.FromOr(ctx, p.log).With(observability.F("event", e.EventName()))
	if err != nil {
		logger.Error("kafka_publish_failed", observability.F("error", err.Error()))
		return fmt.Errorf("kafka: publish %s: %w", e.EventName(), err)
	}
	logger.Debug("kafka_published")
	return nil
}

// injectHeaders copies the W3C trace context onto the message.
func injectHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
