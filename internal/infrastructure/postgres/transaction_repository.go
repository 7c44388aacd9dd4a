package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"moneymanager/internal/domain/storage"
	"moneymanager/internal/domain/transaction"
)

// TransactionRepository implements the transaction.Repository interface for PostgreSQL
type TransactionRepository struct {
	db Querier
}

var _ transaction.Repository = (*TransactionRepository)(nil)

// NewTransactionRepository creates a new PostgreSQL transaction repository
func NewTransactionRepository(db Querier) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `
	id, account_id, provider_transaction_id, amount, currency_code, made_on, description,
	category, settled, mode, duplicated, read_only, created_at, updated_at`

// Upsert inserts or updates a transaction by (account_id, provider_transaction_id).
// Frozen rows and rows of frozen accounts are never written.
func (r *TransactionRepository) Upsert(ctx context.Context, params transaction.UpsertParams) (*transaction.Transaction, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO transactions (
			account_id, provider_transaction_id, amount, currency_code, made_on,
			description, category, settled, mode, duplicated
		)
		SELECT a.id, $2::text, $3::numeric, $4::text, $5::date, $6::text, $7::text, $8::boolean, $9::text, $10::boolean
		FROM accounts a
		WHERE a.id = $1 AND a.read_only = FALSE
		ON CONFLICT (account_id, provider_transaction_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			currency_code = EXCLUDED.currency_code,
			made_on = EXCLUDED.made_on,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			settled = EXCLUDED.settled,
			mode = EXCLUDED.mode,
			duplicated = EXCLUDED.duplicated,
			updated_at = NOW()
		WHERE transactions.read_only = FALSE
		RETURNING ` + transactionColumns + `, (xmax = 0) AS inserted`

	var inserted bool
	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query,
		params.AccountID, params.ProviderTransactionID, params.Amount, params.CurrencyCode,
		params.MadeOn, params.Description, params.Category, params.Settled, params.Mode, params.Duplicated,
	), &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, r.explainSkippedUpsert(ctx, params.AccountID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert transaction: %w", constraintError(err))
	}
	return tx, inserted, nil
}

func (r *TransactionRepository) explainSkippedUpsert(ctx context.Context, accountID int64) error {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check account: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: account %d does not exist", storage.ErrConflict, accountID)
	}
	return transaction.ErrTransactionReadOnly
}

// GetByProviderID retrieves a transaction by its natural key
func (r *TransactionRepository) GetByProviderID(ctx context.Context, accountID int64, providerTransactionID string) (*transaction.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE account_id = $1 AND provider_transaction_id = $2`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, query, accountID, providerTransactionID), nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, transaction.ErrTransactionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// ListByAccountID retrieves an account's transactions, newest first.
// A limit of zero returns everything after offset.
func (r *TransactionRepository) ListByAccountID(ctx context.Context, accountID int64, limit, offset int) ([]*transaction.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE account_id = $1
		ORDER BY made_on DESC, id DESC
		LIMIT NULLIF($2::bigint, 0) OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*transaction.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}
	return txs, nil
}

// CountByAccountID counts an account's transactions
func (r *TransactionRepository) CountByAccountID(ctx context.Context, accountID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions WHERE account_id = $1`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count transactions: %w", err)
	}
	return n, nil
}

// MarkReadOnlyByConnection freezes every transaction under a connection's accounts
func (r *TransactionRepository) MarkReadOnlyByConnection(ctx context.Context, connectionID string) (int64, error) {
	query := `
		UPDATE transactions t
		SET read_only = TRUE, updated_at = NOW()
		FROM accounts a
		WHERE t.account_id = a.id AND a.connection_id = $1 AND t.read_only = FALSE`

	result, err := r.db.ExecContext(ctx, query, connectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark transactions read-only: %w", err)
	}
	return result.RowsAffected()
}

func scanTransaction(row Row, inserted *bool) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	var category sql.NullString
	dest := []any{
		&tx.ID, &tx.AccountID, &tx.ProviderTransactionID, &tx.Amount, &tx.CurrencyCode, &tx.MadeOn,
		&tx.Description, &category, &tx.Settled, &tx.Mode, &tx.Duplicated, &tx.ReadOnly,
		&tx.CreatedAt, &tx.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if category.Valid {
		tx.Category = &category.String
	}
	return &tx, nil
}
