package saltedge

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Meta carries the pagination cursor of list endpoints.
type Meta struct {
	NextID   *string `json:"next_id"`
	NextPage *string `json:"next_page"`
}

// Customer is a Salt Edge customer.
type Customer struct {
	ID         string `json:"id"`
	Identifier string `json:"identifier"`
	Secret     string `json:"secret"`
	CreatedAt  string `json:"created_at"`
}

// CreateCustomerParams contains parameters for registering a customer
type CreateCustomerParams struct {
	Identifier string
	Email      string
	FirstName  string
	LastName   string
}

// CreateConnectionParams contains parameters for requesting a new connection
type CreateConnectionParams struct {
	CustomerID   string // provider customer id
	CountryCode  string
	ProviderCode string
	Scopes       []string
	PeriodDays   int
	ReturnTo     string
}

// ConnectSession is the provider's answer to a connection request. The
// customer completes authorization at ConnectURL.
type ConnectSession struct {
	ConnectionID string `json:"id"`
	ConnectURL   string `json:"connect_url"`
	ExpiresAt    string `json:"expires_at"`
}

// Connection is the provider-side view of a connection.
type Connection struct {
	ID                    string `json:"id"`
	CustomerID            string `json:"customer_id"`
	ProviderCode          string `json:"provider_code"`
	ProviderName          string `json:"provider_name"`
	CountryCode           string `json:"country_code"`
	Status                string `json:"status"`
	LastSuccessAt         string `json:"last_success_at"`
	NextRefreshPossibleAt string `json:"next_refresh_possible_at"`
	LastConsentID         string `json:"last_consent_id"`
	ConsentExpiresAt      string `json:"consent_expires_at"`
}

// GetNextRefreshPossibleAt parses next_refresh_possible_at
func (c *Connection) GetNextRefreshPossibleAt() (*time.Time, error) {
	return parseTimestamp("next_refresh_possible_at", c.NextRefreshPossibleAt)
}

// GetConsentExpiresAt parses consent_expires_at. Nil means the provider did
// not report an expiry.
func (c *Connection) GetConsentExpiresAt() (*time.Time, error) {
	return parseTimestamp("consent_expires_at", c.ConsentExpiresAt)
}

// Account is an account as returned by GET /accounts.
type Account struct {
	ID           string          `json:"id"`
	ConnectionID string          `json:"connection_id"`
	Name         string          `json:"name"`
	Nature       string          `json:"nature"`
	Balance      decimal.Decimal `json:"balance"`
	CurrencyCode string          `json:"currency_code"`
	Extra        AccountExtra    `json:"extra"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
}

// AccountExtra holds the optional account details we persist.
type AccountExtra struct {
	IBAN        string `json:"iban"`
	AccountName string `json:"account_name"`
}

// Transaction is a transaction as returned by GET /transactions.
type Transaction struct {
	ID           string           `json:"id"`
	AccountID    string           `json:"account_id"`
	Duplicated   bool             `json:"duplicated"`
	Mode         string           `json:"mode"`   // normal, fee, transfer
	Status       string           `json:"status"` // posted, pending
	MadeOn       string           `json:"made_on"`
	Amount       decimal.Decimal  `json:"amount"`
	CurrencyCode string           `json:"currency_code"`
	Description  string           `json:"description"`
	Category     *string          `json:"category"`
	Extra        TransactionExtra `json:"extra"`
}

// TransactionExtra holds optional transaction details.
type TransactionExtra struct {
	PostingDate string `json:"posting_date"`
	Payee       string `json:"payee"`
}

// GetMadeOn parses the made_on date ("2006-01-02").
func (t *Transaction) GetMadeOn() (time.Time, error) {
	d, err := time.Parse(time.DateOnly, t.MadeOn)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse made_on '%s': %w", t.MadeOn, err)
	}
	return d, nil
}

// Provider is an institution available through Salt Edge.
type Provider struct {
	Code        string `json:"code"`
	Name        string `json:"name"`
	CountryCode string `json:"country_code"`
	Mode        string `json:"mode"`
	Status      string `json:"status"`
	HomeURL     string `json:"home_url"`
	LogoURL     string `json:"logo_url"`
}

// Country is a country with supported providers.
type Country struct {
	Code             string `json:"code"`
	Name             string `json:"name"`
	RefreshStartTime *int   `json:"refresh_start_time"`
}

func parseTimestamp(field, value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s '%s': %w", field, value, err)
	}
	return &t, nil
}
