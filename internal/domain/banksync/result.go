package banksync

import "moneymanager/internal/domain/connection"

// AccountResult reports the outcome of syncing one account.
type AccountResult struct {
	AccountID           int64  `json:"accountId,omitempty"`
	ProviderAccountID   string `json:"providerAccountId"`
	TransactionsFetched int    `json:"transactionsFetched"`
	TransactionsCreated int    `json:"transactionsCreated"`
	TransactionsUpdated int    `json:"transactionsUpdated"`
	TransactionsSkipped int    `json:"transactionsSkipped,omitempty"`
	Cursor              string `json:"cursor,omitempty"`
	Error               string `json:"error,omitempty"`
	Err                 error  `json:"-"`
}

// OK reports whether the account synced without error.
func (r *AccountResult) OK() bool { return r.Err == nil }

// ConnectionResult reports the outcome of one pull-and-reconcile cycle.
type ConnectionResult struct {
	ConnectionID    string            `json:"connectionId"`
	Status          connection.Status `json:"status"`
	AccountsFetched int               `json:"accountsFetched"`
	AccountsCreated int               `json:"accountsCreated"`
	AccountsUpdated int               `json:"accountsUpdated"`
	Accounts        []AccountResult   `json:"accounts"`
	Error           string            `json:"error,omitempty"`
	Err             error             `json:"-"`
}

func (r *ConnectionResult) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

// OK reports whether the connection and all of its accounts synced.
func (r *ConnectionResult) OK() bool {
	return r.Err == nil && len(r.FailedAccounts()) == 0
}

// FailedAccounts returns the accounts that did not sync.
func (r *ConnectionResult) FailedAccounts() []AccountResult {
	var failed []AccountResult
	for _, a := range r.Accounts {
		if a.Err != nil {
			failed = append(failed, a)
		}
	}
	return failed
}

// TransactionsCreated sums new transactions across accounts.
func (r *ConnectionResult) TransactionsCreated() int {
	n := 0
	for _, a := range r.Accounts {
		n += a.TransactionsCreated
	}
	return n
}

// CustomerSyncResult aggregates the per-connection results of a customer sync.
type CustomerSyncResult struct {
	CustomerIdentifier string             `json:"customerIdentifier"`
	Connections        []ConnectionResult `json:"connections"`
	Succeeded          int                `json:"succeeded"`
	Failed             int                `json:"failed"`
}
