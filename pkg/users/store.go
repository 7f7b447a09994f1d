package users

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store provides keyed lookups and create/update semantics for user and role
// records. Reads immediately following writes are only eventually consistent;
// callers that must observe their own writes wrap reads in the retry
// combinator.
type Store interface {
	GetByUsername(ctx context.Context, username string) (*User, error)
	GetByPersonAndInstitution(ctx context.Context, personID, institutionID string) (*User, error)
	GetByFederatedID(ctx context.Context, federatedID string) (*User, error)
	Create(ctx context.Context, user *User) error
	Update(ctx context.Context, user *User) error
	GetRole(ctx context.Context, name string) (*Role, error)
	CreateRole(ctx context.Context, role *Role) error
	GetRolesByNames(ctx context.Context, names []string) ([]Role, error)
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const userColumns = `username, person_id, institution_id, unit_id, federated_id, accepted_terms_version, created_at, updated_at`

// GetByUsername retrieves a user by its username
func (s *PostgresStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE username = $1
	`
	return s.scanUser(ctx, s.db.QueryRowContext(ctx, query, username), username)
}

// GetByPersonAndInstitution retrieves the user for a (person, customer) pair
func (s *PostgresStore) GetByPersonAndInstitution(ctx context.Context, personID, institutionID string) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE person_id = $1 AND institution_id = $2
	`
	key := personID + "/" + institutionID
	return s.scanUser(ctx, s.db.QueryRowContext(ctx, query, personID, institutionID), key)
}

// GetByFederatedID retrieves a user keyed by federated identifier, including
// legacy records that carry no canonical identifiers yet
func (s *PostgresStore) GetByFederatedID(ctx context.Context, federatedID string) (*User, error) {
	query := `
		SELECT ` + userColumns + `
		FROM users
		WHERE federated_id = $1
	`
	return s.scanUser(ctx, s.db.QueryRowContext(ctx, query, federatedID), federatedID)
}

// Create inserts a user and its role references in one transaction
func (s *PostgresStore) Create(ctx context.Context, user *User) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (username, person_id, institution_id, unit_id, federated_id, accepted_terms_version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, user.Username, nullable(user.PersonID), nullable(user.InstitutionID), nullable(user.UnitID),
		nullable(user.FederatedID), nullable(user.AcceptedTermsVersion), now, now)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	for _, roleName := range user.Roles {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_roles (username, role_name)
			VALUES ($1, $2)
			ON CONFLICT (username, role_name) DO NOTHING
		`, user.Username, roleName)
		if err != nil {
			return fmt.Errorf("failed to assign role %s: %w", roleName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// Update persists identifier and affiliation changes to an existing user.
// Roles are not touched: role administration is outside the login pipeline.
func (s *PostgresStore) Update(ctx context.Context, user *User) error {
	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET person_id = $1, institution_id = $2, unit_id = $3, federated_id = $4, updated_at = $5
		WHERE username = $6
	`, nullable(user.PersonID), nullable(user.InstitutionID), nullable(user.UnitID),
		nullable(user.FederatedID), now, user.Username)
	if err != nil {
		return fmt.Errorf("failed to update user %s: %w", user.Username, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, user.Username)
	}

	user.UpdatedAt = now
	return nil
}

// GetRole retrieves a role by name
func (s *PostgresStore) GetRole(ctx context.Context, name string) (*Role, error) {
	query := `
		SELECT name, access_rights, created_at, updated_at
		FROM roles
		WHERE name = $1
	`

	role := &Role{}
	var rightsJSON []byte
	err := s.db.QueryRowContext(ctx, query, name).Scan(&role.Name, &rightsJSON, &role.CreatedAt, &role.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role %s: %w", name, err)
	}

	if err := json.Unmarshal(rightsJSON, &role.AccessRights); err != nil {
		return nil, fmt.Errorf("failed to unmarshal access rights for role %s: %w", name, err)
	}

	return role, nil
}

// CreateRole inserts a role
func (s *PostgresStore) CreateRole(ctx context.Context, role *Role) error {
	rightsJSON, err := json.Marshal(role.AccessRights)
	if err != nil {
		return fmt.Errorf("failed to marshal access rights: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (name, access_rights, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name) DO NOTHING
	`, role.Name, string(rightsJSON), now, now)
	if err != nil {
		return fmt.Errorf("failed to create role %s: %w", role.Name, err)
	}

	role.CreatedAt = now
	role.UpdatedAt = now
	return nil
}

// GetRolesByNames retrieves roles, with their access rights, by name
func (s *PostgresStore) GetRolesByNames(ctx context.Context, names []string) ([]Role, error) {
	if len(names) == 0 {
		return nil, nil
	}

	query := `
		SELECT name, access_rights, created_at, updated_at
		FROM roles
		WHERE name = ANY($1)
		ORDER BY name ASC
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(names))
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		var rightsJSON []byte
		if err := rows.Scan(&role.Name, &rightsJSON, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		if err := json.Unmarshal(rightsJSON, &role.AccessRights); err != nil {
			return nil, fmt.Errorf("failed to unmarshal access rights for role %s: %w", role.Name, err)
		}
		roles = append(roles, role)
	}

	return roles, rows.Err()
}

func (s *PostgresStore) scanUser(ctx context.Context, row *sql.Row, key string) (*User, error) {
	user := &User{}
	var personID, institutionID, unitID, federatedID, termsVersion sql.NullString

	err := row.Scan(
		&user.Username,
		&personID,
		&institutionID,
		&unitID,
		&federatedID,
		&termsVersion,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", key, err)
	}

	user.PersonID = personID.String
	user.InstitutionID = institutionID.String
	user.UnitID = unitID.String
	user.FederatedID = federatedID.String
	user.AcceptedTermsVersion = termsVersion.String

	roles, err := s.roleNames(ctx, user.Username)
	if err != nil {
		return nil, err
	}
	user.Roles = roles

	return user, nil
}

func (s *PostgresStore) roleNames(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role_name FROM user_roles WHERE username = $1 ORDER BY role_name ASC
	`, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles for user %s: %w", username, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role name: %w", err)
		}
		names = append(names, name)
	}

	return names, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
