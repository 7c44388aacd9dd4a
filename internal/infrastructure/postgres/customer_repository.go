package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"moneymanager/internal/domain/customer"
	"moneymanager/internal/infrastructure/crypto"
)

// CustomerRepository implements the customer.Repository interface for PostgreSQL.
// The provider secret is encrypted at rest.
type CustomerRepository struct {
	db        Querier
	encryptor *crypto.Encryptor
}

var _ customer.Repository = (*CustomerRepository)(nil)

// NewCustomerRepository creates a new PostgreSQL customer repository
func NewCustomerRepository(db Querier, encryptor *crypto.Encryptor) *CustomerRepository {
	return &CustomerRepository{db: db, encryptor: encryptor}
}

const customerColumns = `id, identifier, provider_customer_id, secret, email, first_name, last_name, created_at, updated_at`

// Create stores a new customer
func (r *CustomerRepository) Create(ctx context.Context, params customer.CreateParams) (*customer.Customer, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	secret, err := r.encryptor.Encrypt(params.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt customer secret: %w", err)
	}

	query := `
		INSERT INTO customers (identifier, provider_customer_id, secret, email, first_name, last_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + customerColumns

	c, err := r.scan(r.db.QueryRowContext(ctx, query,
		params.Identifier, params.ProviderCustomerID, secret,
		params.Email, params.FirstName, params.LastName,
	))
	if pqCode(err) == uniqueViolation {
		return nil, customer.ErrCustomerExists
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create customer: %w", err)
	}
	return c, nil
}

// GetByID retrieves a customer by its local ID
func (r *CustomerRepository) GetByID(ctx context.Context, id int64) (*customer.Customer, error) {
	return r.getBy(ctx, "id", id)
}

// GetByIdentifier retrieves a customer by the caller-supplied identifier
func (r *CustomerRepository) GetByIdentifier(ctx context.Context, identifier string) (*customer.Customer, error) {
	return r.getBy(ctx, "identifier", identifier)
}

// GetByProviderID retrieves a customer by the id Salt Edge assigned
func (r *CustomerRepository) GetByProviderID(ctx context.Context, providerCustomerID string) (*customer.Customer, error) {
	return r.getBy(ctx, "provider_customer_id", providerCustomerID)
}

func (r *CustomerRepository) getBy(ctx context.Context, column string, value any) (*customer.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM customers WHERE ` + column + ` = $1`

	c, err := r.scan(r.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, customer.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	return c, nil
}

// Delete removes a customer; connections, accounts and transactions cascade.
func (r *CustomerRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM customers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete customer: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return customer.ErrCustomerNotFound
	}
	return nil
}

func (r *CustomerRepository) scan(row Row) (*customer.Customer, error) {
	var c customer.Customer
	err := row.Scan(
		&c.ID, &c.Identifier, &c.ProviderCustomerID, &c.Secret,
		&c.Email, &c.FirstName, &c.LastName, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Secret, err = r.encryptor.Decrypt(c.Secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt customer secret: %w", err)
	}
	return &c, nil
}
