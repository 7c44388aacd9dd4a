package firebase

import (
	"context"
	"fmt"
	"strconv"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"moneymanager/internal/domain/banksync"
	"moneymanager/internal/shared/messages"
)

// sender is the subset of *messaging.Client used here.
type sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Client implements banksync.Notifier using Firebase Cloud Messaging. Each
// customer's devices subscribe to the topic returned by Topic.
type Client struct {
	msgClient sender
	texts     messages.Messages
	logger    zerolog.Logger
}

var _ banksync.Notifier = (*Client)(nil)

// NewClient initializes a Firebase app and returns an FCM client.
func NewClient(ctx context.Context, credentialsFile string, texts messages.Messages, logger zerolog.Logger) (*Client, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}

	msgClient, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase messaging client: %w", err)
	}

	return newClient(msgClient, texts, logger), nil
}

func newClient(s sender, texts messages.Messages, logger zerolog.Logger) *Client {
	return &Client{msgClient: s, texts: texts, logger: logger.With().Str("component", "fcm").Logger()}
}

// Topic is the FCM topic a customer's devices subscribe to.
func Topic(customerID int64) string {
	return "customer_" + strconv.FormatInt(customerID, 10)
}

func (c *Client) template(kind banksync.NotificationKind) (messages.MessageText, bool) {
	switch kind {
	case banksync.NotifyConnectionFailed:
		return c.texts.ConnectionFailed, true
	case banksync.NotifyConnectionRevoked:
		return c.texts.ConnectionRevoked, true
	case banksync.NotifyNewTransactions:
		return c.texts.NewTransactions, true
	default:
		return messages.MessageText{}, false
	}
}

// Notify sends n to the customer's topic.
func (c *Client) Notify(ctx context.Context, n banksync.Notification) error {
	tmpl, ok := c.template(n.Kind)
	if !ok {
		return fmt.Errorf("unknown notification kind %q", n.Kind)
	}
	title, body := tmpl.Render(n.ProviderName, n.Count)

	msg := &messaging.Message{
		Topic: Topic(n.CustomerID),
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Data: map[string]string{
			"type":         string(n.Kind),
			"connectionId": n.ConnectionID,
			"count":        strconv.Itoa(n.Count),
		},
	}

	id, err := c.msgClient.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to send FCM message: %w", err)
	}
	c.logger.Debug().Str("message_id", id).Str("kind", string(n.Kind)).Int64("customer_id", n.CustomerID).Msg("Notification sent")
	return nil
}
