package users

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the user store migrations
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users table",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					username VARCHAR(255) PRIMARY KEY,
					person_id VARCHAR(64),
					institution_id VARCHAR(64),
					unit_id VARCHAR(64),
					federated_id VARCHAR(255),
					accepted_terms_version VARCHAR(32),
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
					UNIQUE(person_id, institution_id)
				);

				CREATE INDEX IF NOT EXISTS idx_users_federated_id ON users(federated_id);
			`,
		},
		{
			Version:     2,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					name VARCHAR(255) PRIMARY KEY,
					access_rights JSONB NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);
			`,
		},
		{
			Version:     3,
			Description: "Create user_roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS user_roles (
					username VARCHAR(255) NOT NULL REFERENCES users(username) ON DELETE CASCADE,
					role_name VARCHAR(255) NOT NULL REFERENCES roles(name) ON DELETE CASCADE,
					PRIMARY KEY (username, role_name)
				);
			`,
		},
	}
}

// RunMigrations applies all user store migrations in order
func RunMigrations(ctx context.Context, db *sql.DB) error {
	for _, migration := range GetMigrations() {
		if _, err := db.ExecContext(ctx, migration.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Description, err)
		}
	}
	return nil
}
