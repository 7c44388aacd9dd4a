package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"moneymanager/internal/domain/connection"
	"moneymanager/internal/domain/storage"
)

// ConnectionRepository implements the connection.Repository interface for PostgreSQL
type ConnectionRepository struct {
	db Querier
}

var _ connection.Repository = (*ConnectionRepository)(nil)

// NewConnectionRepository creates a new PostgreSQL connection repository
func NewConnectionRepository(db Querier) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

const connectionColumns = `
	id, customer_id, provider_code, provider_name, country_code, status,
	last_success_at, last_error, last_error_message, consent_scopes,
	consent_expires_at, next_refresh_possible_at, created_at, updated_at`

// Create registers a connection under its provider-assigned id
func (r *ConnectionRepository) Create(ctx context.Context, params connection.CreateParams) (*connection.Connection, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	status := params.Status
	if status == "" {
		status = connection.StatusPending
	}
	scopes := params.ConsentScopes
	if scopes == nil {
		scopes = []string{}
	}

	query := `
		INSERT INTO connections (id, customer_id, provider_code, provider_name, country_code, status, consent_scopes, consent_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + connectionColumns

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query,
		params.ID, params.CustomerID, params.ProviderCode, params.ProviderName,
		params.CountryCode, string(status), pq.Array(scopes), params.ConsentExpiresAt,
	))
	switch pqCode(err) {
	case uniqueViolation:
		return nil, connection.ErrConnectionExists
	case foreignKeyViolation:
		return nil, fmt.Errorf("%w: customer %d does not exist", storage.ErrConflict, params.CustomerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create connection: %w", err)
	}
	return conn, nil
}

// GetByID retrieves a connection by its provider id
func (r *ConnectionRepository) GetByID(ctx context.Context, id string) (*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE id = $1`

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return conn, nil
}

// ListByCustomerID retrieves all connections of a customer
func (r *ConnectionRepository) ListByCustomerID(ctx context.Context, customerID int64) ([]*connection.Connection, error) {
	return r.list(ctx, "customer_id = $1", customerID)
}

// ListByStatus retrieves all connections in a status
func (r *ConnectionRepository) ListByStatus(ctx context.Context, status connection.Status) ([]*connection.Connection, error) {
	return r.list(ctx, "status = $1", string(status))
}

// ListByProviderCode retrieves all connections to one institution
func (r *ConnectionRepository) ListByProviderCode(ctx context.Context, providerCode string) ([]*connection.Connection, error) {
	return r.list(ctx, "provider_code = $1", providerCode)
}

func (r *ConnectionRepository) list(ctx context.Context, where string, arg any) ([]*connection.Connection, error) {
	query := `SELECT ` + connectionColumns + ` FROM connections WHERE ` + where + ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*connection.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}
	return conns, nil
}

// Update applies the non-nil fields of params
func (r *ConnectionRepository) Update(ctx context.Context, id string, params connection.UpdateParams) (*connection.Connection, error) {
	var status *string
	if params.Status != nil {
		s := string(*params.Status)
		status = &s
	}

	query := `
		UPDATE connections SET
			status = COALESCE($2, status),
			last_success_at = COALESCE($3, last_success_at),
			last_error = COALESCE($4, last_error),
			last_error_message = COALESCE($5, last_error_message),
			provider_code = COALESCE($6, provider_code),
			provider_name = COALESCE($7, provider_name),
			consent_expires_at = COALESCE($8, consent_expires_at),
			next_refresh_possible_at = COALESCE($9, next_refresh_possible_at),
			updated_at = NOW()
		WHERE id = $1
		RETURNING ` + connectionColumns

	conn, err := scanConnection(r.db.QueryRowContext(ctx, query,
		id, status, params.LastSuccessAt, params.LastError, params.LastErrorMessage,
		params.ProviderCode, params.ProviderName, params.ConsentExpiresAt, params.NextRefreshPossibleAt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, connection.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update connection: %w", constraintError(err))
	}
	return conn, nil
}

func scanConnection(row Row) (*connection.Connection, error) {
	var conn connection.Connection
	var status string
	var lastSuccessAt, consentExpiresAt, nextRefreshAt sql.NullTime

	err := row.Scan(
		&conn.ID, &conn.CustomerID, &conn.ProviderCode, &conn.ProviderName, &conn.CountryCode, &status,
		&lastSuccessAt, &conn.LastError, &conn.LastErrorMessage, pq.Array(&conn.ConsentScopes),
		&consentExpiresAt, &nextRefreshAt, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	conn.Status = connection.Status(status)
	if lastSuccessAt.Valid {
		conn.LastSuccessAt = &lastSuccessAt.Time
	}
	if consentExpiresAt.Valid {
		conn.ConsentExpiresAt = &consentExpiresAt.Time
	}
	if nextRefreshAt.Valid {
		conn.NextRefreshPossibleAt = &nextRefreshAt.Time
	}
	return &conn, nil
}
