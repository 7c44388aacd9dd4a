package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"moneymanager/internal/domain/account"
	"moneymanager/internal/domain/storage"
)

// AccountRepository implements the account.Repository interface for PostgreSQL
type AccountRepository struct {
	db Querier
}

var _ account.Repository = (*AccountRepository)(nil)

// NewAccountRepository creates a new PostgreSQL account repository
func NewAccountRepository(db Querier) *AccountRepository {
	return &AccountRepository{db: db}
}

const accountColumns = `
	id, connection_id, provider_account_id, name, nature, currency_code, balance,
	iban, read_only, sync_cursor, created_at, updated_at`

// Upsert inserts or updates an account by (connection_id, provider_account_id).
// Rows of a destroyed connection are never written.
func (r *AccountRepository) Upsert(ctx context.Context, params account.UpsertParams) (*account.Account, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	query := `
		INSERT INTO accounts (connection_id, provider_account_id, name, nature, currency_code, balance, iban)
		SELECT c.id, $2::text, $3::text, $4::text, $5::text, $6::numeric, $7::text
		FROM connections c
		WHERE c.id = $1 AND c.status <> 'destroyed'
		ON CONFLICT (connection_id, provider_account_id) DO UPDATE SET
			name = EXCLUDED.name,
			nature = EXCLUDED.nature,
			currency_code = EXCLUDED.currency_code,
			balance = EXCLUDED.balance,
			iban = EXCLUDED.iban,
			updated_at = NOW()
		WHERE accounts.read_only = FALSE
		RETURNING ` + accountColumns + `, (xmax = 0) AS inserted`

	var inserted bool
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query,
		params.ConnectionID, params.ProviderAccountID, params.Name, params.Nature,
		params.CurrencyCode, params.Balance, params.IBAN,
	), &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, r.explainSkippedUpsert(ctx, params.ConnectionID)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert account: %w", constraintError(err))
	}
	return acc, inserted, nil
}

// explainSkippedUpsert tells a missing connection apart from a frozen one
// when an upsert wrote nothing.
func (r *AccountRepository) explainSkippedUpsert(ctx context.Context, connectionID string) error {
	var status string
	err := r.db.QueryRowContext(ctx, `SELECT status FROM connections WHERE id = $1`, connectionID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: connection %s does not exist", storage.ErrConflict, connectionID)
	}
	if err != nil {
		return fmt.Errorf("failed to check connection: %w", err)
	}
	return account.ErrAccountReadOnly
}

// GetByID retrieves an account by its local ID
func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id), nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// GetByProviderID retrieves an account by its natural key
func (r *AccountRepository) GetByProviderID(ctx context.Context, connectionID, providerAccountID string) (*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE connection_id = $1 AND provider_account_id = $2`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, connectionID, providerAccountID), nil)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, account.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acc, nil
}

// ListByConnectionID retrieves all accounts of a connection
func (r *AccountRepository) ListByConnectionID(ctx context.Context, connectionID string) ([]*account.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE connection_id = $1 ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*account.Account
	for rows.Next() {
		acc, err := scanAccount(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}
	return accounts, nil
}

// UpdateCursor stores the incremental sync position
func (r *AccountRepository) UpdateCursor(ctx context.Context, id int64, cursor string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET sync_cursor = $2, updated_at = NOW() WHERE id = $1`, id, cursor)
	if err != nil {
		return fmt.Errorf("failed to update sync cursor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return account.ErrAccountNotFound
	}
	return nil
}

// MarkReadOnlyByConnection freezes every account of a connection
func (r *AccountRepository) MarkReadOnlyByConnection(ctx context.Context, connectionID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE accounts SET read_only = TRUE, updated_at = NOW() WHERE connection_id = $1 AND read_only = FALSE`,
		connectionID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark accounts read-only: %w", err)
	}
	return result.RowsAffected()
}

// scanAccount reads accountColumns, plus the inserted flag when inserted is non-nil.
func scanAccount(row Row, inserted *bool) (*account.Account, error) {
	var acc account.Account
	dest := []any{
		&acc.ID, &acc.ConnectionID, &acc.ProviderAccountID, &acc.Name, &acc.Nature,
		&acc.CurrencyCode, &acc.Balance, &acc.IBAN, &acc.ReadOnly, &acc.SyncCursor,
		&acc.CreatedAt, &acc.UpdatedAt,
	}
	if inserted != nil {
		dest = append(dest, inserted)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &acc, nil
}
