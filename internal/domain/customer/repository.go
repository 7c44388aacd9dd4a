package customer

import "context"

// Repository defines the interface for customer data access
type Repository interface {
	// Create stores a new customer. Returns ErrCustomerExists on a duplicate identifier.
	Create(ctx context.Context, params CreateParams) (*Customer, error)

	GetByID(ctx context.Context, id int64) (*Customer, error)
	GetByIdentifier(ctx context.Context, identifier string) (*Customer, error)
	GetByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error)

	// Delete removes the customer together with its connections, accounts and transactions.
	Delete(ctx context.Context, id int64) error
}
