package postgres

import (
	"context"

	"moneymanager/internal/domain/account"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/domain/storage"
	"moneymanager/internal/domain/transaction"
	"moneymanager/internal/infrastructure/crypto"
)

// Store implements storage.Store on PostgreSQL.
type Store struct {
	db        *DB
	q         Querier
	encryptor *crypto.Encryptor
}

var _ storage.Store = (*Store)(nil)

// NewStore creates a Store. The encryptor seals customer secrets.
func NewStore(db *DB, encryptor *crypto.Encryptor) *Store {
	return &Store{db: db, q: db, encryptor: encryptor}
}

func (s *Store) Customers() customer.Repository {
	return NewCustomerRepository(s.q, s.encryptor)
}

func (s *Store) Connections() connection.Repository { return NewConnectionRepository(s.q) }

func (s *Store) Accounts() account.Repository { return NewAccountRepository(s.q) }

func (s *Store) Transactions() transaction.Repository { return NewTransactionRepository(s.q) }

// WithTx runs fn in a database transaction. Nested calls join the outer one.
func (s *Store) WithTx(ctx context.Context, fn func(tx storage.Store) error) error {
	if _, ok := s.q.(*Tx); ok {
		return fn(s)
	}
	return s.db.WithTransaction(ctx, func(tx *Tx) error {
		return fn(&Store{db: s.db, q: tx, encryptor: s.encryptor})
	})
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
