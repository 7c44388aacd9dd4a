package banksync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"moneymanager/internal/domain/account"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/storage"
	"moneymanager/internal/domain/transaction"
	"moneymanager/internal/infrastructure/saltedge"
)

// MergeStats counts what a merge did.
type MergeStats struct {
	Created int
	Updated int
	Skipped int
}

// Reconciler merges provider records into local storage by natural key.
// Rows missing from a batch are never deleted: incremental pulls legitimately
// omit unchanged data.
type Reconciler struct {
	store  storage.Store
	logger zerolog.Logger
}

func NewReconciler(store storage.Store, logger zerolog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// MergeAccounts upserts records under conn in a single transaction and
// returns the stored accounts in record order. Records that fail validation
// are skipped and logged.
func (r *Reconciler) MergeAccounts(ctx context.Context, conn *connection.Connection, records []saltedge.Account) ([]*account.Account, MergeStats, error) {
	var stats MergeStats
	if conn.Status == connection.StatusDestroyed {
		return nil, stats, ErrConnectionDestroyed
	}

	var stored []*account.Account
	err := r.store.WithTx(ctx, func(tx storage.Store) error {
		stats = MergeStats{}
		stored = stored[:0]
		for _, rec := range records {
			params := account.UpsertParams{
				ConnectionID:      conn.ID,
				ProviderAccountID: rec.ID,
				Name:              accountName(rec),
				Nature:            rec.Nature,
				CurrencyCode:      strings.ToUpper(rec.CurrencyCode),
				Balance:           rec.Balance,
				IBAN:              rec.Extra.IBAN,
			}
			if err := params.Validate(); err != nil {
				r.logger.Warn().Err(err).Str("connection_id", conn.ID).Str("provider_account_id", rec.ID).Msg("Skipping invalid account record")
				stats.Skipped++
				continue
			}

			acc, created, err := tx.Accounts().Upsert(ctx, params)
			if err != nil {
				return fmt.Errorf("failed to upsert account %s: %w", rec.ID, err)
			}
			if created {
				stats.Created++
			} else {
				stats.Updated++
			}
			stored = append(stored, acc)
		}
		return nil
	})
	if err != nil {
		return nil, MergeStats{}, mergeError(ctx, err)
	}
	return stored, stats, nil
}

// MergeTransactions upserts records under acc and, in the same transaction,
// moves the account's cursor to nextCursor. Either both land or neither does.
func (r *Reconciler) MergeTransactions(ctx context.Context, acc *account.Account, records []saltedge.Transaction, nextCursor string) (MergeStats, error) {
	var stats MergeStats
	if acc.ReadOnly {
		return stats, account.ErrAccountReadOnly
	}

	err := r.store.WithTx(ctx, func(tx storage.Store) error {
		stats = MergeStats{}
		for _, rec := range records {
			params, err := transactionParams(acc, rec)
			if err == nil {
				err = params.Validate()
			}
			if err != nil {
				r.logger.Warn().Err(err).Int64("account_id", acc.ID).Str("provider_transaction_id", rec.ID).Msg("Skipping invalid transaction record")
				stats.Skipped++
				continue
			}

			_, created, err := tx.Transactions().Upsert(ctx, params)
			if err != nil {
				return fmt.Errorf("failed to upsert transaction %s: %w", rec.ID, err)
			}
			if created {
				stats.Created++
			} else {
				stats.Updated++
			}
		}

		if nextCursor != "" && nextCursor != acc.SyncCursor {
			if err := tx.Accounts().UpdateCursor(ctx, acc.ID, nextCursor); err != nil {
				return fmt.Errorf("failed to advance cursor: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return MergeStats{}, mergeError(ctx, err)
	}

	if nextCursor != "" {
		acc.SyncCursor = nextCursor
	}
	return stats, nil
}

func transactionParams(acc *account.Account, rec saltedge.Transaction) (transaction.UpsertParams, error) {
	madeOn, err := rec.GetMadeOn()
	if err != nil {
		return transaction.UpsertParams{}, err
	}
	currency := strings.ToUpper(rec.CurrencyCode)
	if currency == "" {
		currency = acc.CurrencyCode
	}
	return transaction.UpsertParams{
		AccountID:             acc.ID,
		ProviderTransactionID: rec.ID,
		Amount:                rec.Amount,
		CurrencyCode:          currency,
		MadeOn:                madeOn,
		Description:           rec.Description,
		Category:              rec.Category,
		Settled:               transaction.IsSettled(rec.Status),
		Mode:                  rec.Mode,
		Duplicated:            rec.Duplicated,
	}, nil
}

func accountName(rec saltedge.Account) string {
	if rec.Name != "" {
		return rec.Name
	}
	return rec.Extra.AccountName
}

func mergeError(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, storage.ErrConflict):
		return fmt.Errorf("%w: %w", ErrReconciliationConflict, err)
	case errors.Is(err, account.ErrAccountReadOnly), errors.Is(err, transaction.ErrTransactionReadOnly):
		return err
	}
	return cancelled(ctx, err)
}
