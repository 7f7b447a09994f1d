package tenants

import (
	"context"
	"database/sql"
	"fmt"
)

// RunMigrations creates the customers table. The table is owned by the
// customer registry; this schema exists for local development and tests.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			tenant_id VARCHAR(255) PRIMARY KEY,
			institution_id VARCHAR(64) NOT NULL UNIQUE,
			name VARCHAR(255) NOT NULL,
			federated_domain VARCHAR(255),
			terms_version VARCHAR(32) NOT NULL DEFAULT '1',
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_customers_federated_domain ON customers(federated_domain);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("customers migration failed: %w", err)
	}
	return nil
}
