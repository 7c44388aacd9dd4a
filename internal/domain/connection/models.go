package connection

import (
	"errors"
	"time"
)

// Domain errors
var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrConnectionExists   = errors.New("connection already exists")
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusFailed    Status = "failed"
	StatusDestroyed Status = "destroyed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusInactive, StatusFailed, StatusDestroyed:
		return true
	}
	return false
}

// Terminal reports whether no callback can move the connection out of s.
// Failed connections leave only through a manual refresh.
func (s Status) Terminal() bool {
	return s == StatusDestroyed
}

// Connection is one authorization link between a customer and a financial
// institution. ID is the provider-assigned connection id and never changes.
type Connection struct {
	ID                    string     `json:"id"`
	CustomerID            int64      `json:"customerId"`
	ProviderCode          string     `json:"providerCode"`
	ProviderName          string     `json:"providerName"`
	CountryCode           string     `json:"countryCode"`
	Status                Status     `json:"status"`
	LastSuccessAt         *time.Time `json:"lastSuccessAt,omitempty"`
	LastError             string     `json:"lastError,omitempty"`
	LastErrorMessage      string     `json:"lastErrorMessage,omitempty"`
	ConsentScopes         []string   `json:"consentScopes,omitempty"`
	ConsentExpiresAt      *time.Time `json:"consentExpiresAt,omitempty"`
	NextRefreshPossibleAt *time.Time `json:"nextRefreshPossibleAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// ConsentExpired reports whether the consent window closed before now.
func (c *Connection) ConsentExpired(now time.Time) bool {
	return c.ConsentExpiresAt != nil && !c.ConsentExpiresAt.After(now)
}

// CreateParams contains parameters for registering a connection locally
type CreateParams struct {
	ID               string
	CustomerID       int64
	ProviderCode     string
	ProviderName     string
	CountryCode      string
	Status           Status
	ConsentScopes    []string
	ConsentExpiresAt *time.Time
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if p.ID == "" {
		return errors.New("connection ID is required")
	}
	if p.CustomerID <= 0 {
		return errors.New("valid customer ID is required")
	}
	if p.Status != "" && !p.Status.Valid() {
		return errors.New("invalid connection status")
	}
	return nil
}

// UpdateParams carries the mutable fields written back after a state change.
// Nil pointers leave the stored value untouched.
type UpdateParams struct {
	Status                *Status
	LastSuccessAt         *time.Time
	LastError             *string
	LastErrorMessage      *string
	ProviderCode          *string
	ProviderName          *string
	ConsentExpiresAt      *time.Time
	NextRefreshPossibleAt *time.Time
}
