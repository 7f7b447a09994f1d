package users

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store with an optional staleness window to mimic
// eventual read-after-write consistency.
type memStore struct {
	users map[string]*User
	roles map[string]*Role
	// staleReads makes GetByUsername fail this many times after a write
	staleReads int
	createErr  error
}

func newMemStore() *memStore {
	return &memStore{
		users: make(map[string]*User),
		roles: make(map[string]*Role),
	}
}

func (m *memStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	if m.staleReads > 0 {
		m.staleReads--
		return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	user, ok := m.users[username]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, username)
	}
	copied := *user
	return &copied, nil
}

func (m *memStore) GetByPersonAndInstitution(ctx context.Context, personID, institutionID string) (*User, error) {
	for _, user := range m.users {
		if user.PersonID == personID && user.InstitutionID == institutionID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, personID, institutionID)
}

func (m *memStore) GetByFederatedID(ctx context.Context, federatedID string) (*User, error) {
	for _, user := range m.users {
		if user.FederatedID == federatedID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, federatedID)
}

func (m *memStore) Create(ctx context.Context, user *User) error {
	if m.createErr != nil {
		return m.createErr
	}
	if _, exists := m.users[user.Username]; exists {
		return fmt.Errorf("duplicate username %s", user.Username)
	}
	copied := *user
	m.users[user.Username] = &copied
	return nil
}

func (m *memStore) Update(ctx context.Context, user *User) error {
	if _, exists := m.users[user.Username]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, user.Username)
	}
	copied := *user
	m.users[user.Username] = &copied
	return nil
}

func (m *memStore) GetRole(ctx context.Context, name string) (*Role, error) {
	role, ok := m.roles[name]
	if !ok {
		return nil, fmt.Errorf("%w: role %s", ErrNotFound, name)
	}
	return role, nil
}

func (m *memStore) CreateRole(ctx context.Context, role *Role) error {
	m.roles[role.Name] = role
	return nil
}

func (m *memStore) GetRolesByNames(ctx context.Context, names []string) ([]Role, error) {
	var roles []Role
	for _, name := range names {
		if role, ok := m.roles[name]; ok {
			roles = append(roles, *role)
		}
	}
	return roles, nil
}

// staticResolver maps unit ids to institution ids without a registry
type staticResolver map[string]string

func (r staticResolver) TopInstitution(ctx context.Context, unitID string) (string, error) {
	institutionID, ok := r[unitID]
	if !ok {
		return "", fmt.Errorf("unknown unit %s", unitID)
	}
	return institutionID, nil
}

func newTestSynchronizer(store Store, resolver InstitutionResolver) *Synchronizer {
	return NewSynchronizer(store, resolver, nil).WithRetryBudget(2, time.Millisecond)
}

func TestSyncCreatesUserOnFirstLogin(t *testing.T) {
	store := newMemStore()
	sync := newTestSynchronizer(store, staticResolver{"184.90.0.0": "184"})

	user, err := sync.Sync(context.Background(), SyncRequest{
		PersonID:      "p-100",
		InstitutionID: "184",
		UnitID:        "184.90.0.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "p-100@184", user.Username)
	assert.Equal(t, "p-100", user.PersonID)
	assert.Equal(t, "184", user.InstitutionID)
	assert.Equal(t, "184.90.0.0", user.UnitID)
	assert.Equal(t, []string{DefaultRoleName}, user.Roles)

	role, err := store.GetRole(context.Background(), DefaultRoleName)
	require.NoError(t, err)
	assert.Equal(t, defaultAccessRights, role.AccessRights)
}

func TestSyncIsIdempotent(t *testing.T) {
	store := newMemStore()
	sync := newTestSynchronizer(store, staticResolver{"184.90.0.0": "184"})
	req := SyncRequest{PersonID: "p-100", InstitutionID: "184", UnitID: "184.90.0.0"}

	first, err := sync.Sync(context.Background(), req)
	require.NoError(t, err)

	second, err := sync.Sync(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Username, second.Username)
	assert.Len(t, store.users, 1, "no second record for the same (person, customer) pair")
}

func TestSyncUpdatesAffiliationOnLaterLogin(t *testing.T) {
	store := newMemStore()
	resolver := staticResolver{"184.90.0.0": "184", "184.15.0.0": "184"}
	sync := newTestSynchronizer(store, resolver)

	_, err := sync.Sync(context.Background(), SyncRequest{
		PersonID: "p-100", InstitutionID: "184", UnitID: "184.90.0.0",
	})
	require.NoError(t, err)

	// Person moved to another unit within the same institution
	user, err := sync.Sync(context.Background(), SyncRequest{
		PersonID: "p-100", InstitutionID: "184", UnitID: "184.15.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "184.15.0.0", user.UnitID)
	assert.Len(t, store.users, 1)
}

func TestSyncMigratesLegacyUser(t *testing.T) {
	store := newMemStore()
	// Legacy record keyed by federated id, no canonical identifiers
	store.users["ola@uio.no"] = &User{
		Username:    "ola@uio.no",
		FederatedID: "ola@uio.no",
		Roles:       []string{DefaultRoleName},
	}
	sync := newTestSynchronizer(store, staticResolver{"184.90.0.0": "184"})

	user, err := sync.Sync(context.Background(), SyncRequest{
		PersonID:      "p-100",
		FederatedID:   "ola@uio.no",
		InstitutionID: "184",
		UnitID:        "184.90.0.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "ola@uio.no", user.Username, "username preserved across migration")
	assert.Equal(t, "p-100", user.PersonID)
	assert.Equal(t, "184", user.InstitutionID)
	assert.Len(t, store.users, 1, "migration must not duplicate the record")

	// Next login finds the migrated record through the canonical strategy
	again, err := sync.Sync(context.Background(), SyncRequest{
		PersonID:      "p-100",
		FederatedID:   "ola@uio.no",
		InstitutionID: "184",
		UnitID:        "184.90.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "ola@uio.no", again.Username)
	assert.Len(t, store.users, 1)
}

func TestSyncAttachesFederatedIDToCanonicalRecord(t *testing.T) {
	store := newMemStore()
	sync := newTestSynchronizer(store, staticResolver{"184.90.0.0": "184"})

	_, err := sync.Sync(context.Background(), SyncRequest{
		PersonID: "p-100", InstitutionID: "184", UnitID: "184.90.0.0",
	})
	require.NoError(t, err)

	user, err := sync.Sync(context.Background(), SyncRequest{
		PersonID:      "p-100",
		FederatedID:   "ola@uio.no",
		InstitutionID: "184",
		UnitID:        "184.90.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "ola@uio.no", user.FederatedID)
}

func TestSyncSkipsFederatedRecordOfAnotherInstitution(t *testing.T) {
	store := newMemStore()
	// The federated id already belongs to a fully-migrated record at another
	// institution; it is not a legacy record and must not be re-migrated
	store.users["p-100@194"] = &User{
		Username:      "p-100@194",
		PersonID:      "p-100",
		InstitutionID: "194",
		UnitID:        "194.1.0.0",
		FederatedID:   "ola@uio.no",
	}
	sync := newTestSynchronizer(store, staticResolver{"184.90.0.0": "184", "194.1.0.0": "194"})

	user, err := sync.Sync(context.Background(), SyncRequest{
		PersonID:      "p-100",
		FederatedID:   "ola@uio.no",
		InstitutionID: "184",
		UnitID:        "184.90.0.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "p-100@184", user.Username, "a new record is created for the new institution")
	assert.Len(t, store.users, 2)
	assert.Equal(t, "194", store.users["p-100@194"].InstitutionID, "the other record is untouched")
}

func TestSyncFatalInstitutionMismatch(t *testing.T) {
	store := newMemStore()
	// Stored institution Z' disagrees with the institution Z derived from the
	// record's own unit
	store.users["p-100@999"] = &User{
		Username:      "p-100@999",
		PersonID:      "p-100",
		InstitutionID: "999",
		UnitID:        "184.90.0.0",
	}
	sync := newTestSynchronizer(store, staticResolver{"184.90.0.0": "184"})

	_, err := sync.Sync(context.Background(), SyncRequest{
		PersonID: "p-100", InstitutionID: "999", UnitID: "184.90.0.0",
	})
	require.Error(t, err)

	var mismatch *InstitutionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "999", mismatch.StoredInstitutionID)
	assert.Equal(t, "184", mismatch.DerivedInstitutionID)
	assert.Contains(t, err.Error(), "999")
	assert.Contains(t, err.Error(), "184")
}

func TestSyncRetriesStaleReadAfterCreate(t *testing.T) {
	store := newMemStore()
	store.staleReads = 1 // first post-write read misses, second converges
	sync := NewSynchronizer(store, staticResolver{"184.90.0.0": "184"}, nil).
		WithRetryBudget(3, time.Millisecond)

	user, err := sync.Sync(context.Background(), SyncRequest{
		PersonID: "p-100", InstitutionID: "184", UnitID: "184.90.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "p-100@184", user.Username)
}

func TestSyncFailsWhenReadNeverConverges(t *testing.T) {
	store := newMemStore()
	store.staleReads = 100
	sync := NewSynchronizer(store, staticResolver{"184.90.0.0": "184"}, nil).
		WithRetryBudget(2, time.Millisecond)

	_, err := sync.Sync(context.Background(), SyncRequest{
		PersonID: "p-100", InstitutionID: "184", UnitID: "184.90.0.0",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSyncFailed)
}

func TestCanonicalUsername(t *testing.T) {
	assert.Equal(t, "p-100@184", CanonicalUsername("p-100", "184"))
}
