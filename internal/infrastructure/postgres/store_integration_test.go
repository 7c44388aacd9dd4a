//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"moneymanager/internal/domain/account"
	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/customer"
	"moneymanager/internal/domain/storage"
	"moneymanager/internal/domain/transaction"
	"moneymanager/internal/infrastructure/crypto"
)

func newTestStore(t *testing.T) (*Store, *DB) {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("moneymanager"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("warning: failed to terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))

	version, dirty, err := MigrationVersion(dsn)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	db, err := New(dsn, PoolConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	enc, err := crypto.NewEncryptor("01234567890123456789012345678901")
	require.NoError(t, err)
	return NewStore(db, enc), db
}

func seedConnection(t *testing.T, s *Store, status connection.Status) (*customer.Customer, *connection.Connection) {
	t.Helper()
	ctx := context.Background()
	cust, err := s.Customers().Create(ctx, customer.CreateParams{
		Identifier: "alice", ProviderCustomerID: "900", Secret: "s3cr3t",
	})
	require.NoError(t, err)
	conn, err := s.Connections().Create(ctx, connection.CreateParams{
		ID: "c1", CustomerID: cust.ID, ProviderCode: "fakebank_simple_xf",
		Status: status, ConsentScopes: []string{"account_details", "transactions_details"},
	})
	require.NoError(t, err)
	return cust, conn
}

func TestStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, db := newTestStore(t)
	ctx := context.Background()
	cust, conn := seedConnection(t, s, connection.StatusActive)

	t.Run("customer secret is encrypted at rest", func(t *testing.T) {
		var raw string
		require.NoError(t, db.QueryRowContext(ctx, `SELECT secret FROM customers WHERE id = $1`, cust.ID).Scan(&raw))
		assert.NotEqual(t, "s3cr3t", raw)

		got, err := s.Customers().GetByProviderID(ctx, "900")
		require.NoError(t, err)
		assert.Equal(t, "s3cr3t", got.Secret)

		_, err = s.Customers().Create(ctx, customer.CreateParams{Identifier: "alice", ProviderCustomerID: "901"})
		assert.ErrorIs(t, err, customer.ErrCustomerExists)
	})

	t.Run("connection round trip and update", func(t *testing.T) {
		assert.Equal(t, []string{"account_details", "transactions_details"}, conn.ConsentScopes)

		_, err := s.Connections().Create(ctx, connection.CreateParams{ID: "c1", CustomerID: cust.ID})
		assert.ErrorIs(t, err, connection.ErrConnectionExists)
		_, err = s.Connections().Create(ctx, connection.CreateParams{ID: "c9", CustomerID: 999})
		assert.ErrorIs(t, err, storage.ErrConflict)

		code := "auth_expired"
		updated, err := s.Connections().Update(ctx, "c1", connection.UpdateParams{LastError: &code})
		require.NoError(t, err)
		assert.Equal(t, "auth_expired", updated.LastError)
		assert.Equal(t, connection.StatusActive, updated.Status)

		active, err := s.Connections().ListByStatus(ctx, connection.StatusActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
	})

	var acc *account.Account
	t.Run("upserts are keyed by natural id", func(t *testing.T) {
		params := account.UpsertParams{
			ConnectionID: "c1", ProviderAccountID: "a1", Name: "Main",
			Nature: "checking", CurrencyCode: "EUR", Balance: decimal.RequireFromString("10.50"),
		}
		var created bool
		var err error
		acc, created, err = s.Accounts().Upsert(ctx, params)
		require.NoError(t, err)
		assert.True(t, created)

		params.Balance = decimal.NewFromInt(20)
		again, created, err := s.Accounts().Upsert(ctx, params)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, acc.ID, again.ID)
		assert.True(t, decimal.NewFromInt(20).Equal(again.Balance))

		tp := transaction.UpsertParams{
			AccountID: acc.ID, ProviderTransactionID: "t1", Amount: decimal.NewFromInt(-5),
			CurrencyCode: "EUR", MadeOn: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		}
		_, created, err = s.Transactions().Upsert(ctx, tp)
		require.NoError(t, err)
		assert.True(t, created)
		tp.Settled = true
		tx, created, err := s.Transactions().Upsert(ctx, tp)
		require.NoError(t, err)
		assert.False(t, created)
		assert.True(t, tx.Settled)

		n, err := s.Transactions().CountByAccountID(ctx, acc.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, _, err = s.Transactions().Upsert(ctx, transaction.UpsertParams{
			AccountID: 424242, ProviderTransactionID: "x", MadeOn: tp.MadeOn,
		})
		assert.ErrorIs(t, err, storage.ErrConflict)
	})

	t.Run("transaction rolls back cursor and rows together", func(t *testing.T) {
		boom := errors.New("boom")
		err := s.WithTx(ctx, func(tx storage.Store) error {
			if err := tx.Accounts().UpdateCursor(ctx, acc.ID, "t9"); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		reloaded, err := s.Accounts().GetByID(ctx, acc.ID)
		require.NoError(t, err)
		assert.Empty(t, reloaded.SyncCursor)
	})

	t.Run("destroyed connection freezes rows", func(t *testing.T) {
		destroyed := connection.StatusDestroyed
		err := s.WithTx(ctx, func(tx storage.Store) error {
			if _, err := tx.Connections().Update(ctx, "c1", connection.UpdateParams{Status: &destroyed}); err != nil {
				return err
			}
			if _, err := tx.Transactions().MarkReadOnlyByConnection(ctx, "c1"); err != nil {
				return err
			}
			_, err := tx.Accounts().MarkReadOnlyByConnection(ctx, "c1")
			return err
		})
		require.NoError(t, err)

		_, _, err = s.Accounts().Upsert(ctx, account.UpsertParams{ConnectionID: "c1", ProviderAccountID: "a1", CurrencyCode: "EUR"})
		assert.ErrorIs(t, err, account.ErrAccountReadOnly)
		_, _, err = s.Transactions().Upsert(ctx, transaction.UpsertParams{
			AccountID: acc.ID, ProviderTransactionID: "t1", MadeOn: time.Now(),
		})
		assert.ErrorIs(t, err, transaction.ErrTransactionReadOnly)

		txs, err := s.Transactions().ListByAccountID(ctx, acc.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.True(t, txs[0].ReadOnly)
	})

	t.Run("deleting a customer cascades", func(t *testing.T) {
		require.NoError(t, s.Customers().Delete(ctx, cust.ID))
		_, err := s.Connections().GetByID(ctx, "c1")
		assert.ErrorIs(t, err, connection.ErrConnectionNotFound)
		_, err = s.Accounts().GetByID(ctx, acc.ID)
		assert.ErrorIs(t, err, account.ErrAccountNotFound)
	})
}
