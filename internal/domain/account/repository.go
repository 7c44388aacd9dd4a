package account

import "context"

// Repository defines the interface for account data access
// This interface is defined in the domain layer, but implemented in the infrastructure layer
type Repository interface {
	// Upsert inserts or updates an account by its natural key. The boolean is
	// true when a new row was created. Returns ErrAccountReadOnly when the
	// existing row belongs to a destroyed connection.
	Upsert(ctx context.Context, params UpsertParams) (*Account, bool, error)

	GetByID(ctx context.Context, id int64) (*Account, error)
	GetByProviderID(ctx context.Context, connectionID, providerAccountID string) (*Account, error)
	ListByConnectionID(ctx context.Context, connectionID string) ([]*Account, error)

	// UpdateCursor stores the incremental sync position for an account.
	UpdateCursor(ctx context.Context, id int64, cursor string) error

	// MarkReadOnlyByConnection freezes every account of a connection.
	MarkReadOnlyByConnection(ctx context.Context, connectionID string) (int64, error)
}
