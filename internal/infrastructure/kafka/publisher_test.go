package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moneymanager/internal/domain/banksync"
	"moneymanager/internal/domain/connection"
)

type fakeWriter struct {
	msgs   []kafkago.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func header(msg kafkago.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := newPublisher(w, "events", zerolog.Nop())

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := banksync.DomainEvent{
		ID:           "ev-1",
		Type:         banksync.EventConnectionSynced,
		CustomerID:   7,
		ConnectionID: "c1",
		Status:       connection.StatusActive,
		OccurredAt:   at,
	}
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "c1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	assert.Equal(t, "connection.synced", header(msg, "event_type"))
	assert.Equal(t, "ev-1", header(msg, "event_id"))
	assert.Equal(t, "application/json", header(msg, "content-type"))

	var decoded banksync.DomainEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.ConnectionID, decoded.ConnectionID)
	assert.Equal(t, ev.Type, decoded.Type)
}

func TestPublisher_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := newPublisher(w, "events", zerolog.Nop())

	err := p.Publish(context.Background(), banksync.DomainEvent{ID: "ev-1", ConnectionID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka publish to events")
	assert.ErrorIs(t, err, w.err)
}

func TestPublisher_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, newPublisher(w, "events", zerolog.Nop()).Close())
	assert.True(t, w.closed)
}

func TestNewPublisher(t *testing.T) {
	_, err := NewPublisher(nil, "", zerolog.Nop())
	assert.Error(t, err)

	p, err := NewPublisher([]string{"localhost:9092"}, "", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, defaultTopic, p.topic)
	require.NoError(t, p.Close())
}
