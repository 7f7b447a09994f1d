package tenants

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock, *sql.DB) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewPostgresStore(db)
	return store, mock, db
}

func customerRows(tenantID, institutionID, name string, domain interface{}, termsVersion string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"tenant_id", "institution_id", "name", "federated_domain", "terms_version", "created_at", "updated_at",
	}).AddRow(tenantID, institutionID, name, domain, termsVersion, now, now)
}

func TestGetByInstitution(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM customers\s+WHERE institution_id = \$1`).
			WithArgs("184").
			WillReturnRows(customerRows("uni-oslo", "184", "University of Oslo", "uio.no", "2"))

		customer, err := store.GetByInstitution(context.Background(), "184")
		require.NoError(t, err)
		assert.Equal(t, "uni-oslo", customer.TenantID)
		assert.Equal(t, "184", customer.InstitutionID)
		assert.Equal(t, "uio.no", customer.FederatedDomain)
		assert.Equal(t, "2", customer.TermsVersion)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("null federated domain", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM customers\s+WHERE institution_id = \$1`).
			WithArgs("185").
			WillReturnRows(customerRows("college-x", "185", "College X", nil, "1"))

		customer, err := store.GetByInstitution(context.Background(), "185")
		require.NoError(t, err)
		assert.Empty(t, customer.FederatedDomain)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM customers\s+WHERE institution_id = \$1`).
			WithArgs("999").
			WillReturnError(sql.ErrNoRows)

		_, err := store.GetByInstitution(context.Background(), "999")
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM customers\s+WHERE institution_id = \$1`).
			WithArgs("184").
			WillReturnError(fmt.Errorf("connection refused"))

		_, err := store.GetByInstitution(context.Background(), "184")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)

		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetByTenantID(t *testing.T) {
	store, mock, db := newMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM customers\s+WHERE tenant_id = \$1`).
		WithArgs("uni-oslo").
		WillReturnRows(customerRows("uni-oslo", "184", "University of Oslo", "uio.no", "2"))

	customer, err := store.GetByTenantID(context.Background(), "uni-oslo")
	require.NoError(t, err)
	assert.Equal(t, "184", customer.InstitutionID)

	require.NoError(t, mock.ExpectationsWereMet())
}
