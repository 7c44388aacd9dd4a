package transaction

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Domain errors
var (
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrTransactionReadOnly = errors.New("transaction is read-only")
	ErrMissingNaturalID    = errors.New("provider transaction ID is required")
)

// Provider transaction statuses
const (
	StatusPosted  = "posted"
	StatusPending = "pending"
)

// Transaction is a movement on an account.
// (AccountID, ProviderTransactionID) is the natural key used for upserts.
type Transaction struct {
	ID                    int64           `json:"id"`
	AccountID             int64           `json:"accountId"`
	ProviderTransactionID string          `json:"providerTransactionId"`
	Amount                decimal.Decimal `json:"amount"`
	CurrencyCode          string          `json:"currencyCode"`
	MadeOn                time.Time       `json:"madeOn"`
	Description           string          `json:"description"`
	Category              *string         `json:"category,omitempty"`
	Settled               bool            `json:"settled"`
	Mode                  string          `json:"mode,omitempty"`
	Duplicated            bool            `json:"duplicated"`
	ReadOnly              bool            `json:"readOnly"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
}

// UpsertParams is used for syncing transactions from the provider
type UpsertParams struct {
	AccountID             int64
	ProviderTransactionID string
	Amount                decimal.Decimal
	CurrencyCode          string
	MadeOn                time.Time
	Description           string
	Category              *string
	Settled               bool
	Mode                  string
	Duplicated            bool
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.AccountID <= 0 {
		return errors.New("valid account ID is required for upsert")
	}
	if p.ProviderTransactionID == "" {
		return ErrMissingNaturalID
	}
	if p.MadeOn.IsZero() {
		return errors.New("transaction date is required")
	}
	return nil
}

// IsSettled maps a provider status to the local settlement flag.
func IsSettled(status string) bool {
	return status == StatusPosted
}
