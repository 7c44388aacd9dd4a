package connection

import "context"

// Repository defines the interface for connection data access.
// Connections are never physically deleted by the sync engine.
type Repository interface {
	// Create stores a connection. Returns ErrConnectionExists when the id is taken.
	Create(ctx context.Context, params CreateParams) (*Connection, error)

	GetByID(ctx context.Context, id string) (*Connection, error)
	ListByCustomerID(ctx context.Context, customerID int64) ([]*Connection, error)
	ListByStatus(ctx context.Context, status Status) ([]*Connection, error)
	ListByProviderCode(ctx context.Context, providerCode string) ([]*Connection, error)

	// Update applies the non-nil fields of params and returns the stored row.
	Update(ctx context.Context, id string, params UpdateParams) (*Connection, error)
}
