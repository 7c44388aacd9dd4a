// Package memory is an in-process storage.Store. It backs tests and local
// runs without Postgres; transactions are serialized and roll back by
// restoring a snapshot, which also discards writes made outside the
// transaction in the meantime.
package memory

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"moneymanager/internal/domain/account"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/domain/storage"
	"moneymanager/internal/domain/transaction"
)

type data struct {
	customers    map[int64]customer.Customer
	connections  map[string]connection.Connection
	accounts     map[int64]account.Account
	transactions map[int64]transaction.Transaction

	nextCustomerID    int64
	nextAccountID     int64
	nextTransactionID int64
}

func newData() *data {
	return &data{
		customers:    make(map[int64]customer.Customer),
		connections:  make(map[string]connection.Connection),
		accounts:     make(map[int64]account.Account),
		transactions: make(map[int64]transaction.Transaction),
	}
}

func (d *data) clone() *data {
	c := &data{
		customers:         make(map[int64]customer.Customer, len(d.customers)),
		connections:       make(map[string]connection.Connection, len(d.connections)),
		accounts:          make(map[int64]account.Account, len(d.accounts)),
		transactions:      make(map[int64]transaction.Transaction, len(d.transactions)),
		nextCustomerID:    d.nextCustomerID,
		nextAccountID:     d.nextAccountID,
		nextTransactionID: d.nextTransactionID,
	}
	for k, v := range d.customers {
		c.customers[k] = v
	}
	for k, v := range d.connections {
		c.connections[k] = v
	}
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	return c
}

type state struct {
	mu   sync.Mutex
	txMu sync.Mutex
	d    *data
	now  func() time.Time
}

// Store implements storage.Store in memory.
type Store struct {
	st   *state
	inTx bool
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{st: &state{d: newData(), now: time.Now}}
}

func (s *Store) Customers() customer.Repository       { return customerRepo{s.st} }
func (s *Store) Connections() connection.Repository   { return connectionRepo{s.st} }
func (s *Store) Accounts() account.Repository         { return accountRepo{s.st} }
func (s *Store) Transactions() transaction.Repository { return transactionRepo{s.st} }

// WithTx runs fn against a snapshot-protected view. Nested calls join the
// outer transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.st.txMu.Lock()
	defer s.st.txMu.Unlock()

	s.st.mu.Lock()
	snapshot := s.st.d.clone()
	s.st.mu.Unlock()

	err := fn(&Store{st: s.st, inTx: true})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		s.st.mu.Lock()
		s.st.d = snapshot
		s.st.mu.Unlock()
		return err
	}
	return nil
}

// Customers

type customerRepo struct{ st *state }

func (r customerRepo) Create(_ context.Context, params customer.CreateParams) (*customer.Customer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	for _, c := range r.st.d.customers {
		if c.Identifier == params.Identifier || c.ProviderCustomerID == params.ProviderCustomerID {
			return nil, customer.ErrCustomerExists
		}
	}
	r.st.d.nextCustomerID++
	now := r.st.now()
	c := customer.Customer{
		ID:                 r.st.d.nextCustomerID,
		Identifier:         params.Identifier,
		ProviderCustomerID: params.ProviderCustomerID,
		Secret:             params.Secret,
		Email:              params.Email,
		FirstName:          params.FirstName,
		LastName:           params.LastName,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	r.st.d.customers[c.ID] = c
	return &c, nil
}

func (r customerRepo) find(match func(customer.Customer) bool) (*customer.Customer, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, c := range r.st.d.customers {
		if match(c) {
			return &c, nil
		}
	}
	return nil, customer.ErrCustomerNotFound
}

func (r customerRepo) GetByID(_ context.Context, id int64) (*customer.Customer, error) {
	return r.find(func(c customer.Customer) bool { return c.ID == id })
}

func (r customerRepo) GetByIdentifier(_ context.Context, identifier string) (*customer.Customer, error) {
	return r.find(func(c customer.Customer) bool { return c.Identifier == identifier })
}

func (r customerRepo) GetByProviderID(_ context.Context, providerCustomerID string) (*customer.Customer, error) {
	return r.find(func(c customer.Customer) bool { return c.ProviderCustomerID == providerCustomerID })
}

func (r customerRepo) Delete(_ context.Context, id int64) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d := r.st.d
	if _, ok := d.customers[id]; !ok {
		return customer.ErrCustomerNotFound
	}
	for connID, conn := range d.connections {
		if conn.CustomerID != id {
			continue
		}
		for accID, acc := range d.accounts {
			if acc.ConnectionID != connID {
				continue
			}
			for txID, tx := range d.transactions {
				if tx.AccountID == accID {
					delete(d.transactions, txID)
				}
			}
			delete(d.accounts, accID)
		}
		delete(d.connections, connID)
	}
	delete(d.customers, id)
	return nil
}

// Connections

type connectionRepo struct{ st *state }

func (r connectionRepo) Create(_ context.Context, params connection.CreateParams) (*connection.Connection, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()

	if _, ok := r.st.d.connections[params.ID]; ok {
		return nil, connection.ErrConnectionExists
	}
	if _, ok := r.st.d.customers[params.CustomerID]; !ok {
		return nil, storage.ErrConflict
	}
	status := params.Status
	if status == "" {
		status = connection.StatusPending
	}
	now := r.st.now()
	c := connection.Connection{
		ID:               params.ID,
		CustomerID:       params.CustomerID,
		ProviderCode:     params.ProviderCode,
		ProviderName:     params.ProviderName,
		CountryCode:      params.CountryCode,
		Status:           status,
		ConsentScopes:    slices.Clone(params.ConsentScopes),
		ConsentExpiresAt: params.ConsentExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	r.st.d.connections[c.ID] = c
	return &c, nil
}

func (r connectionRepo) GetByID(_ context.Context, id string) (*connection.Connection, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.d.connections[id]
	if !ok {
		return nil, connection.ErrConnectionNotFound
	}
	return &c, nil
}

func (r connectionRepo) list(match func(connection.Connection) bool) []*connection.Connection {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*connection.Connection
	for _, c := range r.st.d.connections {
		if match(c) {
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *connection.Connection) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

func (r connectionRepo) ListByCustomerID(_ context.Context, customerID int64) ([]*connection.Connection, error) {
	return r.list(func(c connection.Connection) bool { return c.CustomerID == customerID }), nil
}

func (r connectionRepo) ListByStatus(_ context.Context, status connection.Status) ([]*connection.Connection, error) {
	return r.list(func(c connection.Connection) bool { return c.Status == status }), nil
}

func (r connectionRepo) ListByProviderCode(_ context.Context, providerCode string) ([]*connection.Connection, error) {
	return r.list(func(c connection.Connection) bool { return c.ProviderCode == providerCode }), nil
}

func (r connectionRepo) Update(_ context.Context, id string, params connection.UpdateParams) (*connection.Connection, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	c, ok := r.st.d.connections[id]
	if !ok {
		return nil, connection.ErrConnectionNotFound
	}
	if params.Status != nil {
		c.Status = *params.Status
	}
	if params.LastSuccessAt != nil {
		c.LastSuccessAt = params.LastSuccessAt
	}
	if params.LastError != nil {
		c.LastError = *params.LastError
	}
	if params.LastErrorMessage != nil {
		c.LastErrorMessage = *params.LastErrorMessage
	}
	if params.ProviderCode != nil {
		c.ProviderCode = *params.ProviderCode
	}
	if params.ProviderName != nil {
		c.ProviderName = *params.ProviderName
	}
	if params.ConsentExpiresAt != nil {
		c.ConsentExpiresAt = params.ConsentExpiresAt
	}
	if params.NextRefreshPossibleAt != nil {
		c.NextRefreshPossibleAt = params.NextRefreshPossibleAt
	}
	c.UpdatedAt = r.st.now()
	r.st.d.connections[id] = c
	return &c, nil
}

// Accounts

type accountRepo struct{ st *state }

func (r accountRepo) Upsert(_ context.Context, params account.UpsertParams) (*account.Account, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d := r.st.d

	conn, ok := d.connections[params.ConnectionID]
	if !ok {
		return nil, false, storage.ErrConflict
	}
	now := r.st.now()

	for id, a := range d.accounts {
		if a.ConnectionID != params.ConnectionID || a.ProviderAccountID != params.ProviderAccountID {
			continue
		}
		if a.ReadOnly {
			return nil, false, account.ErrAccountReadOnly
		}
		a.Name = params.Name
		a.Nature = params.Nature
		a.CurrencyCode = params.CurrencyCode
		a.Balance = params.Balance
		a.IBAN = params.IBAN
		a.UpdatedAt = now
		d.accounts[id] = a
		return &a, false, nil
	}

	if conn.Status == connection.StatusDestroyed {
		return nil, false, account.ErrAccountReadOnly
	}
	d.nextAccountID++
	a := account.Account{
		ID:                d.nextAccountID,
		ConnectionID:      params.ConnectionID,
		ProviderAccountID: params.ProviderAccountID,
		Name:              params.Name,
		Nature:            params.Nature,
		CurrencyCode:      params.CurrencyCode,
		Balance:           params.Balance,
		IBAN:              params.IBAN,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	d.accounts[a.ID] = a
	return &a, true, nil
}

func (r accountRepo) GetByID(_ context.Context, id int64) (*account.Account, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.d.accounts[id]
	if !ok {
		return nil, account.ErrAccountNotFound
	}
	return &a, nil
}

func (r accountRepo) GetByProviderID(_ context.Context, connectionID, providerAccountID string) (*account.Account, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, a := range r.st.d.accounts {
		if a.ConnectionID == connectionID && a.ProviderAccountID == providerAccountID {
			return &a, nil
		}
	}
	return nil, account.ErrAccountNotFound
}

func (r accountRepo) ListByConnectionID(_ context.Context, connectionID string) ([]*account.Account, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*account.Account
	for _, a := range r.st.d.accounts {
		if a.ConnectionID == connectionID {
			out = append(out, &a)
		}
	}
	slices.SortFunc(out, func(a, b *account.Account) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (r accountRepo) UpdateCursor(_ context.Context, id int64, cursor string) error {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	a, ok := r.st.d.accounts[id]
	if !ok {
		return account.ErrAccountNotFound
	}
	a.SyncCursor = cursor
	a.UpdatedAt = r.st.now()
	r.st.d.accounts[id] = a
	return nil
}

func (r accountRepo) MarkReadOnlyByConnection(_ context.Context, connectionID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for id, a := range r.st.d.accounts {
		if a.ConnectionID == connectionID && !a.ReadOnly {
			a.ReadOnly = true
			r.st.d.accounts[id] = a
			n++
		}
	}
	return n, nil
}

// Transactions

type transactionRepo struct{ st *state }

func (r transactionRepo) Upsert(_ context.Context, params transaction.UpsertParams) (*transaction.Transaction, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d := r.st.d

	acc, ok := d.accounts[params.AccountID]
	if !ok {
		return nil, false, storage.ErrConflict
	}
	if acc.ReadOnly {
		return nil, false, transaction.ErrTransactionReadOnly
	}
	now := r.st.now()

	for id, t := range d.transactions {
		if t.AccountID != params.AccountID || t.ProviderTransactionID != params.ProviderTransactionID {
			continue
		}
		if t.ReadOnly {
			return nil, false, transaction.ErrTransactionReadOnly
		}
		t.Amount = params.Amount
		t.CurrencyCode = params.CurrencyCode
		t.MadeOn = params.MadeOn
		t.Description = params.Description
		t.Category = params.Category
		t.Settled = params.Settled
		t.Mode = params.Mode
		t.Duplicated = params.Duplicated
		t.UpdatedAt = now
		d.transactions[id] = t
		return &t, false, nil
	}

	d.nextTransactionID++
	t := transaction.Transaction{
		ID:                    d.nextTransactionID,
		AccountID:             params.AccountID,
		ProviderTransactionID: params.ProviderTransactionID,
		Amount:                params.Amount,
		CurrencyCode:          params.CurrencyCode,
		MadeOn:                params.MadeOn,
		Description:           params.Description,
		Category:              params.Category,
		Settled:               params.Settled,
		Mode:                  params.Mode,
		Duplicated:            params.Duplicated,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	d.transactions[t.ID] = t
	return &t, true, nil
}

func (r transactionRepo) GetByProviderID(_ context.Context, accountID int64, providerTransactionID string) (*transaction.Transaction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	for _, t := range r.st.d.transactions {
		if t.AccountID == accountID && t.ProviderTransactionID == providerTransactionID {
			return &t, nil
		}
	}
	return nil, transaction.ErrTransactionNotFound
}

func (r transactionRepo) ListByAccountID(_ context.Context, accountID int64, limit, offset int) ([]*transaction.Transaction, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var out []*transaction.Transaction
	for _, t := range r.st.d.transactions {
		if t.AccountID == accountID {
			out = append(out, &t)
		}
	}
	slices.SortFunc(out, func(a, b *transaction.Transaction) int {
		if n := b.MadeOn.Compare(a.MadeOn); n != 0 {
			return n
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r transactionRepo) CountByAccountID(_ context.Context, accountID int64) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	var n int64
	for _, t := range r.st.d.transactions {
		if t.AccountID == accountID {
			n++
		}
	}
	return n, nil
}

func (r transactionRepo) MarkReadOnlyByConnection(_ context.Context, connectionID string) (int64, error) {
	r.st.mu.Lock()
	defer r.st.mu.Unlock()
	d := r.st.d
	var n int64
	for id, t := range d.transactions {
		acc, ok := d.accounts[t.AccountID]
		if !ok || acc.ConnectionID != connectionID || t.ReadOnly {
			continue
		}
		t.ReadOnly = true
		d.transactions[id] = t
		n++
	}
	return n, nil
}
