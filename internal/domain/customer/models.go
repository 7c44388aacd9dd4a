package customer

import (
	"errors"
	"strings"
	"time"
)

// Domain errors
var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrCustomerExists   = errors.New("customer already exists")
	ErrInvalidInput     = errors.New("invalid input")
)

// Customer is the application-level principal that owns bank connections.
// Identifier is supplied by the caller and is unique; ProviderCustomerID is
// assigned by Salt Edge when the customer is registered there.
type Customer struct {
	ID                 int64     `json:"id"`
	Identifier         string    `json:"identifier"`
	ProviderCustomerID string    `json:"providerCustomerId"`
	Secret             string    `json:"-"`
	Email              string    `json:"email,omitempty"`
	FirstName          string    `json:"firstName,omitempty"`
	LastName           string    `json:"lastName,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// CreateParams contains parameters for creating a new customer
type CreateParams struct {
	Identifier         string
	ProviderCustomerID string
	Secret             string
	Email              string
	FirstName          string
	LastName           string
}

// Validate validates the create parameters
func (p CreateParams) Validate() error {
	if strings.TrimSpace(p.Identifier) == "" {
		return errors.New("customer identifier is required")
	}
	if p.ProviderCustomerID == "" {
		return errors.New("provider customer ID is required")
	}
	if p.Email != "" && !strings.Contains(p.Email, "@") {
		return ErrInvalidInput
	}
	return nil
}
