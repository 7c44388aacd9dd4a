package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"moneymanager/internal/domain/banksync"
)

const defaultTopic = "banksync.events"

// writer is the subset of kafka-go's Writer the publisher uses.
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes domain events to a single topic. Messages are keyed by
// connection id, so events of one connection stay ordered within a partition.
type Publisher struct {
	w      writer
	topic  string
	logger zerolog.Logger
}

var _ banksync.Publisher = (*Publisher)(nil)

// NewPublisher creates a publisher for brokers. No connection is made until
// the first event is written.
func NewPublisher(brokers []string, topic string, logger zerolog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if topic == "" {
		topic = defaultTopic
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
	}
	return newPublisher(w, topic, logger), nil
}

func newPublisher(w writer, topic string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		w:      w,
		topic:  topic,
		logger: logger.With().Str("component", "kafka_publisher").Str("topic", topic).Logger(),
	}
}

// Publish writes event and waits for every in-sync replica to acknowledge it.
func (p *Publisher) Publish(ctx context.Context, event banksync.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafkago.Message{
		Key:   []byte(event.ConnectionID),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID)},
		},
	}

	p.logger.Debug().
		Str("event_type", string(event.Type)).
		Str("connection_id", event.ConnectionID).
		Int("payload_size", len(body)).
		Msg("Publishing event")

	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes pending writes and releases the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}
