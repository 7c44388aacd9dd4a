// Package rabbitmq publishes bank sync domain events to a topic exchange.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"moneymanager/internal/domain/banksync"
)

const (
	defaultExchange = "banksync.events"
	dialTimeout     = 10 * time.Second
)

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// Publisher implements banksync.Publisher. Events are JSON encoded and routed
// by their type, e.g. "connection.synced".
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	reopen   func() (channel, error)
	exchange string
	declared bool
	logger   zerolog.Logger
}

var _ banksync.Publisher = (*Publisher)(nil)

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewPublisher dials the broker with a bounded timeout and opens a channel.
func NewPublisher(amqpURL, exchange string, logger zerolog.Logger) (*Publisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid rabbitmq url: %w", err)
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(dialTimeout)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	p := newPublisher(ch, exchange, logger)
	p.conn = conn
	p.reopen = func() (channel, error) { return conn.Channel() }
	return p, nil
}

func newPublisher(ch channel, exchange string, logger zerolog.Logger) *Publisher {
	if exchange == "" {
		exchange = defaultExchange
	}
	return &Publisher{
		ch:       ch,
		exchange: exchange,
		logger:   logger.With().Str("component", "rabbitmq_publisher").Logger(),
	}
}

// Publish sends event to the exchange. On a channel error the channel is
// reopened once and the publish retried.
func (p *Publisher) Publish(ctx context.Context, event banksync.DomainEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    event.ID,
		Type:         string(event.Type),
		Timestamp:    event.OccurredAt,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publish(ctx, string(event.Type), msg)
	if err == nil {
		return nil
	}
	if p.reopen == nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	p.logger.Warn().Err(err).Str("routing_key", string(event.Type)).Msg("Publish failed; reopening channel")
	ch, chErr := p.reopen()
	if chErr != nil {
		return fmt.Errorf("failed to reopen rabbitmq channel: %w", chErr)
	}
	_ = p.ch.Close()
	p.ch = ch
	p.declared = false
	if err := p.publish(ctx, string(event.Type), msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *Publisher) publish(ctx context.Context, routingKey string, msg amqp091.Publishing) error {
	if !p.declared {
		if err := p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange declare: %w", err)
		}
		p.declared = true
	}
	return p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close closes the channel and the connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// FallbackPublisher logs and drops events when no broker is configured.
type FallbackPublisher struct {
	Logger zerolog.Logger
}

var _ banksync.Publisher = FallbackPublisher{}

func (f FallbackPublisher) Publish(_ context.Context, event banksync.DomainEvent) error {
	f.Logger.Debug().
		Str("event_type", string(event.Type)).
		Str("connection_id", event.ConnectionID).
		Msg("Event publish skipped, no broker configured")
	return nil
}
