// Package callback authenticates and decodes Salt Edge webhook deliveries.
package callback

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"moneymanager/internal/domain/connection"
)

// ErrMalformedEvent is returned for a correctly signed body that cannot be decoded.
var ErrMalformedEvent = errors.New("malformed callback event")

// Scope is the Salt Edge product the callback belongs to.
type Scope string

const (
	ScopeAIS Scope = "ais"
	ScopePIS Scope = "pis"
)

// Event is a decoded callback.
type Event struct {
	Scope        Scope
	Kind         connection.Kind
	ConnectionID string
	CustomerID   string
	PaymentID    string

	// Data-availability hints
	Stage          string
	NewData        *bool
	ProviderStatus string

	ErrorClass   string
	ErrorMessage string

	ProviderCode string
	ProviderName string
	ChangeType   string

	// DedupKey identifies redeliveries of the same event.
	DedupKey string
}

// Signal projects the event onto the state machine's input.
func (e *Event) Signal() connection.Signal {
	return connection.Signal{
		Kind:           e.Kind,
		Stage:          e.Stage,
		NewData:        e.NewData,
		ProviderStatus: e.ProviderStatus,
	}
}

// flexID accepts ids encoded either as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return fmt.Errorf("id must be an integer: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

type envelope struct {
	Data *struct {
		ConnectionID flexID  `json:"connection_id"`
		CustomerID   flexID  `json:"customer_id"`
		PaymentID    flexID  `json:"payment_id"`
		Stage        string  `json:"stage"`
		NewData      *bool   `json:"new_data"`
		Status       string  `json:"status"`
		Type         string  `json:"type"`
		ErrorClass   string  `json:"error_class"`
		ErrorMessage string  `json:"error_message"`
		Error        *string `json:"error"`
		ProviderCode string  `json:"provider_code"`
		ProviderName string  `json:"provider_name"`
		ChangeType   string  `json:"change_type"`
	} `json:"data"`
	Meta struct {
		Version string `json:"version"`
		Time    string `json:"time"`
		EventID flexID `json:"event_id"`
	} `json:"meta"`
}

// Parse decodes a callback delivered to the endpoint for scope and kind.
// KindUnknown is kept as-is so the caller can log and ignore it.
func Parse(scope Scope, kind connection.Kind, body []byte) (*Event, error) {
	env, err := decode(body)
	if err != nil {
		return nil, err
	}
	return build(scope, kind, env, body)
}

// ParseLegacy decodes a callback delivered to the single combined endpoint,
// inferring the kind from the payload stage.
func ParseLegacy(body []byte) (*Event, error) {
	env, err := decode(body)
	if err != nil {
		return nil, err
	}

	kind := connection.KindUnknown
	switch stage := strings.ToLower(env.Data.Stage); {
	case stage == "finish":
		kind = connection.KindSuccess
	case stage == "error" || env.Data.Error != nil || env.Data.ErrorClass != "":
		kind = connection.KindFailure
	case stage == "notify":
		kind = connection.KindNotify
	}
	return build(ScopeAIS, kind, env, body)
}

func decode(body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: missing data object", ErrMalformedEvent)
	}
	return &env, nil
}

func build(scope Scope, kind connection.Kind, env *envelope, body []byte) (*Event, error) {
	d := env.Data
	ev := &Event{
		Scope:          scope,
		Kind:           kind,
		ConnectionID:   string(d.ConnectionID),
		CustomerID:     string(d.CustomerID),
		PaymentID:      string(d.PaymentID),
		Stage:          d.Stage,
		NewData:        d.NewData,
		ProviderStatus: d.Status,
		ErrorClass:     d.ErrorClass,
		ErrorMessage:   d.ErrorMessage,
		ProviderCode:   d.ProviderCode,
		ProviderName:   d.ProviderName,
		ChangeType:     d.ChangeType,
	}
	if ev.ErrorClass == "" && d.Error != nil {
		ev.ErrorClass = *d.Error
	}
	if ev.Stage == "" && d.Type != "" && kind == connection.KindNotify {
		ev.Stage = d.Type
	}

	subject := ev.ConnectionID
	switch {
	case scope == ScopePIS:
		if ev.PaymentID == "" {
			return nil, fmt.Errorf("%w: missing payment_id", ErrMalformedEvent)
		}
		subject = "payment:" + ev.PaymentID
	case kind == connection.KindProviderChanges && subject == "":
		if ev.ProviderCode == "" {
			return nil, fmt.Errorf("%w: missing connection_id and provider_code", ErrMalformedEvent)
		}
		subject = "provider:" + ev.ProviderCode
	case subject == "":
		return nil, fmt.Errorf("%w: missing connection_id", ErrMalformedEvent)
	}

	if kind == connection.KindFailure && ev.ErrorClass == "" {
		ev.ErrorClass = "unknown"
	}

	if id := string(env.Meta.EventID); id != "" {
		ev.DedupKey = fmt.Sprintf("%s:%s:event:%s", scope, subject, id)
	} else {
		sum := sha256.Sum256(body)
		ev.DedupKey = fmt.Sprintf("%s:%s:%s:%s", scope, subject, kind, hex.EncodeToString(sum[:]))
	}
	return ev, nil
}
