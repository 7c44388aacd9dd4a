package saltedge

import "context"

// ClientInterface defines the methods required from the Salt Edge API client
type ClientInterface interface {
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)
	CreateConnection(ctx context.Context, params CreateConnectionParams) (*ConnectSession, error)
	GetConnection(ctx context.Context, connectionID string) (*Connection, error)
	RefreshConnection(ctx context.Context, connectionID string) error
	RemoveConnection(ctx context.Context, connectionID string) error
	FetchAccounts(ctx context.Context, connectionID string) ([]Account, error)
	// FetchTransactions returns every transaction from cursor onwards and the cursor to resume from next time.
	FetchTransactions(ctx context.Context, connectionID, accountID, cursor string) ([]Transaction, string, error)
	ListProviders(ctx context.Context, countryCode string) ([]Provider, error)
	ListCountries(ctx context.Context) ([]Country, error)
}
