package banksync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"moneymanager/internal/domain/connection"
)

// EventType names an outbound domain event.
type EventType string

const (
	EventConnectionStatusChanged EventType = "connection.status_changed"
	EventConnectionSynced        EventType = "connection.synced"
	EventConnectionSyncFailed    EventType = "connection.sync_failed"
)

// DomainEvent is published after a state change or a completed pull so
// downstream consumers (reports, analytics) can react without polling.
type DomainEvent struct {
	ID                  string            `json:"id"`
	Type                EventType         `json:"type"`
	CustomerID          int64             `json:"customerId"`
	ConnectionID        string            `json:"connectionId"`
	Status              connection.Status `json:"status"`
	PreviousStatus      connection.Status `json:"previousStatus,omitempty"`
	Error               string            `json:"error,omitempty"`
	AccountsSynced      int               `json:"accountsSynced,omitempty"`
	TransactionsCreated int               `json:"transactionsCreated,omitempty"`
	OccurredAt          time.Time         `json:"occurredAt"`
}

func newEvent(t EventType, conn *connection.Connection, at time.Time) DomainEvent {
	return DomainEvent{
		ID:           uuid.NewString(),
		Type:         t,
		CustomerID:   conn.CustomerID,
		ConnectionID: conn.ID,
		Status:       conn.Status,
		OccurredAt:   at.UTC(),
	}
}

// Publisher delivers domain events to a broker.
type Publisher interface {
	Publish(ctx context.Context, event DomainEvent) error
}

// NotificationKind selects the push message shown to the customer.
type NotificationKind string

const (
	NotifyConnectionFailed  NotificationKind = "connection_failed"
	NotifyConnectionRevoked NotificationKind = "connection_revoked"
	NotifyNewTransactions   NotificationKind = "new_transactions"
)

// Notification is a push message addressed to a customer.
type Notification struct {
	Kind         NotificationKind
	CustomerID   int64
	ConnectionID string
	ProviderName string
	Count        int
}

// Notifier pushes notifications to a customer's devices.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MultiPublisher delivers every event to each publisher in turn. A failing
// publisher does not stop the rest; their errors are joined.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, event DomainEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, DomainEvent) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }
