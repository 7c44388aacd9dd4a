package messages

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MessageText is a push notification template. {provider} and {count} are
// replaced when rendered.
type MessageText struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Messages struct {
	ConnectionFailed  MessageText `json:"connection_failed"`
	ConnectionRevoked MessageText `json:"connection_revoked"`
	NewTransactions   MessageText `json:"new_transactions"`
}

// Defaults are used for any template the messages file leaves empty.
func Defaults() Messages {
	return Messages{
		ConnectionFailed: MessageText{
			Title: "Bank connection needs attention",
			Body:  "We could not sync {provider}. Please reconnect your account.",
		},
		ConnectionRevoked: MessageText{
			Title: "Bank connection removed",
			Body:  "Your connection to {provider} was removed. Your history stays available.",
		},
		NewTransactions: MessageText{
			Title: "New transactions",
			Body:  "{count} new transactions from {provider}.",
		},
	}
}

// Load reads the notifications JSON file. Missing templates fall back to Defaults.
func Load(path string) (*Messages, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages file: %w", err)
	}
	var m Messages
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse messages file: %w", err)
	}
	d := Defaults()
	fill(&m.ConnectionFailed, d.ConnectionFailed)
	fill(&m.ConnectionRevoked, d.ConnectionRevoked)
	fill(&m.NewTransactions, d.NewTransactions)
	return &m, nil
}

func fill(t *MessageText, def MessageText) {
	if t.Title == "" {
		t.Title = def.Title
	}
	if t.Body == "" {
		t.Body = def.Body
	}
}

// Render substitutes the placeholders.
func (t MessageText) Render(provider string, count int) (title, body string) {
	if provider == "" {
		provider = "your bank"
	}
	r := strings.NewReplacer("{provider}", provider, "{count}", strconv.Itoa(count))
	return r.Replace(t.Title), r.Replace(t.Body)
}
