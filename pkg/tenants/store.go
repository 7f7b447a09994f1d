package tenants

import (
	"context"
	"database/sql"
	"fmt"
)

// Store provides keyed lookups into the customer registry
type Store interface {
	GetByInstitution(ctx context.Context, institutionID string) (Customer, error)
	GetByTenantID(ctx context.Context, tenantID string) (Customer, error)
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const customerColumns = `tenant_id, institution_id, name, federated_domain, terms_version, created_at, updated_at`

// GetByInstitution retrieves the customer registered for a top-level
// institution. Returns ErrNotFound when the institution has no tenant.
func (s *PostgresStore) GetByInstitution(ctx context.Context, institutionID string) (Customer, error) {
	query := `
		SELECT ` + customerColumns + `
		FROM customers
		WHERE institution_id = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, institutionID), institutionID)
}

// GetByTenantID retrieves a customer by its tenant identifier
func (s *PostgresStore) GetByTenantID(ctx context.Context, tenantID string) (Customer, error) {
	query := `
		SELECT ` + customerColumns + `
		FROM customers
		WHERE tenant_id = $1
	`
	return s.scanOne(s.db.QueryRowContext(ctx, query, tenantID), tenantID)
}

func (s *PostgresStore) scanOne(row *sql.Row, key string) (Customer, error) {
	var customer Customer
	var domain sql.NullString

	err := row.Scan(
		&customer.TenantID,
		&customer.InstitutionID,
		&customer.Name,
		&domain,
		&customer.TermsVersion,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return Customer{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return Customer{}, fmt.Errorf("failed to get customer %s: %w", key, err)
	}

	if domain.Valid {
		customer.FederatedDomain = domain.String
	}

	return customer, nil
}
