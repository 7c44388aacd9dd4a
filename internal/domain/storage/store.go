// Package storage declares the transactional boundary the sync engine writes through.
package storage

import (
	"context"
	"errors"

	"moneymanager/internal/domain/account"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/domain/transaction"
)

// ErrConflict is returned by repositories when a write violates a storage constraint.
var ErrConflict = errors.New("storage constraint violation")

// Store groups the repositories. Repositories obtained from the Store passed
// to WithTx's callback run inside that transaction; the transaction commits
// when fn returns nil and rolls back otherwise.
type Store interface {
	Customers() customer.Repository
	Connections() connection.Repository
	Accounts() account.Repository
	Transactions() transaction.Repository

	WithTx(ctx context.Context, fn func(tx Store) error) error
}
