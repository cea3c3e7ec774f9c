// Package redpanda implements the message-bus side of the platform on
// Redpanda/Kafka: outbox publishing to per-command topics and the reply
// queue consumer feeding the process manager.
package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/saga-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/saga-orchestrator/internal/domain"
)

// Publisher sends claimed outbox rows to their topics. One publisher is
// shared by all dispatcher workers; kgo.Client is safe for concurrent use.
type Publisher struct {
	client *kgo.Client
}

// NewPublisher connects a producer and ensures the given topics exist.
func NewPublisher(brokers []string, ensureTopics []string) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx := context.Background()
	for _, topic := range ensureTopics {
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}
	slog.Info("redpanda publisher created", slog.Any("brokers", brokers))
	return &Publisher{client: client}, nil
}

// Publish sends one outbox row synchronously. The payload is the already
// serialized envelope; row headers travel as record headers so consumers
// can route without decoding the body.
func (p *Publisher) Publish(ctx domain.Context, row domain.OutboxRow) error {
	headers := make([]kgo.RecordHeader, 0, len(row.Headers)+1)
	headers = append(headers, kgo.RecordHeader{Key: "messageId", Value: []byte(row.ID.String())})
	for k, v := range row.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	record := &kgo.Record{
		Topic:   row.Topic,
		Key:     []byte(row.Key),
		Value:   row.Payload,
		Headers: headers,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=publish topic=%s: %w", row.Topic, domain.Transient(err))
	}
	observability.MessagePublished(row.Topic, row.Category)
	return nil
}

// Close closes the underlying client.
func (p *Publisher) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
