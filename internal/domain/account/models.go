package account

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// Account natures reported by Salt Edge
	accountNatures = map[string]struct{}{
		"account":     {},
		"bonus":       {},
		"card":        {},
		"checking":    {},
		"credit":      {},
		"credit_card": {},
		"debit_card":  {},
		"ewallet":     {},
		"insurance":   {},
		"investment":  {},
		"loan":        {},
		"mortgage":    {},
		"savings":     {},
	}
)

// Domain errors
var (
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountReadOnly  = errors.New("account is read-only")
	ErrInvalidNature    = errors.New("invalid account nature")
	ErrInvalidCurrency  = errors.New("valid ISO 4217 currency is required")
	ErrMissingNaturalID = errors.New("provider account ID is required")
)

// Account is a bank account fetched through a connection.
// (ConnectionID, ProviderAccountID) is the natural key used for upserts.
type Account struct {
	ID                int64           `json:"id"`
	ConnectionID      string          `json:"connectionId"`
	ProviderAccountID string          `json:"providerAccountId"`
	Name              string          `json:"name"`
	Nature            string          `json:"nature"`
	CurrencyCode      string          `json:"currencyCode"`
	Balance           decimal.Decimal `json:"balance"`
	IBAN              string          `json:"iban,omitempty"`
	ReadOnly          bool            `json:"readOnly"`
	SyncCursor        string          `json:"-"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// UpsertParams contains the provider-owned fields of an account
type UpsertParams struct {
	ConnectionID      string
	ProviderAccountID string
	Name              string
	Nature            string
	CurrencyCode      string
	Balance           decimal.Decimal
	IBAN              string
}

// Validate validates the upsert parameters
func (p UpsertParams) Validate() error {
	if p.ConnectionID == "" {
		return errors.New("connection ID is required for upsert")
	}
	if p.ProviderAccountID == "" {
		return ErrMissingNaturalID
	}
	if p.Nature != "" && !IsValidNature(p.Nature) {
		return ErrInvalidNature
	}
	if !IsValidCurrency(p.CurrencyCode) {
		return ErrInvalidCurrency
	}
	return nil
}

// IsValidNature checks if the provided nature is one Salt Edge documents.
func IsValidNature(n string) bool {
	_, ok := accountNatures[n]
	return ok
}

// IsValidCurrency checks that c looks like an ISO 4217 code (three upper-case letters).
func IsValidCurrency(c string) bool {
	if len(c) != 3 {
		return false
	}
	for i := 0; i < len(c); i++ {
		if c[i] < 'A' || c[i] > 'Z' {
			return false
		}
	}
	return true
}
