package transaction

import "context"

// Repository defines the interface for transaction data access
type Repository interface {
	// Upsert inserts or updates a transaction by its natural key. The boolean
	// is true when a new row was created. Returns ErrTransactionReadOnly when
	// the existing row is frozen.
	Upsert(ctx context.Context, params UpsertParams) (*Transaction, bool, error)

	GetByProviderID(ctx context.Context, accountID int64, providerTransactionID string) (*Transaction, error)
	ListByAccountID(ctx context.Context, accountID int64, limit, offset int) ([]*Transaction, error)
	CountByAccountID(ctx context.Context, accountID int64) (int64, error)

	// MarkReadOnlyByConnection freezes every transaction under a connection's accounts.
	MarkReadOnlyByConnection(ctx context.Context, connectionID string) (int64, error)
}
