package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campushub/tenantclaims/pkg/claims"
	"github.com/campushub/tenantclaims/pkg/personreg"
	"github.com/campushub/tenantclaims/pkg/tenants"
	"github.com/campushub/tenantclaims/pkg/users"
)

type fakePersons struct {
	results map[string]personreg.Result
	calls   int
}

func (f *fakePersons) LookupByNationalID(ctx context.Context, nationalID string) personreg.Result {
	f.calls++
	if result, ok := f.results[nationalID]; ok {
		return result
	}
	return personreg.Result{Status: personreg.StatusNotFound}
}

type fakeUnits struct {
	tops  map[string]string
	calls int
}

func (f *fakeUnits) TopInstitution(ctx context.Context, unitID string) (string, error) {
	f.calls++
	institutionID, ok := f.tops[unitID]
	if !ok {
		return "", fmt.Errorf("%w: unit %s", errors.New("organization registry unavailable"), unitID)
	}
	return institutionID, nil
}

type fakeTenantStore struct {
	customers map[string]tenants.Customer
}

func (f *fakeTenantStore) GetByInstitution(ctx context.Context, institutionID string) (tenants.Customer, error) {
	customer, ok := f.customers[institutionID]
	if !ok {
		return tenants.Customer{}, fmt.Errorf("%w: institution %s", tenants.ErrNotFound, institutionID)
	}
	return customer, nil
}

func (f *fakeTenantStore) GetByTenantID(ctx context.Context, tenantID string) (tenants.Customer, error) {
	for _, customer := range f.customers {
		if customer.TenantID == tenantID {
			return customer, nil
		}
	}
	return tenants.Customer{}, fmt.Errorf("%w: tenant %s", tenants.ErrNotFound, tenantID)
}

// fakeUserStore is a minimal in-memory users.Store for end-to-end pipeline runs
type fakeUserStore struct {
	users map[string]*users.User
	roles map[string]*users.Role
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		users: make(map[string]*users.User),
		roles: make(map[string]*users.Role),
	}
}

func (f *fakeUserStore) GetByUsername(ctx context.Context, username string) (*users.User, error) {
	if user, ok := f.users[username]; ok {
		copied := *user
		return &copied, nil
	}
	return nil, fmt.Errorf("%w: %s", users.ErrNotFound, username)
}

func (f *fakeUserStore) GetByPersonAndInstitution(ctx context.Context, personID, institutionID string) (*users.User, error) {
	for _, user := range f.users {
		if user.PersonID == personID && user.InstitutionID == institutionID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", users.ErrNotFound, personID, institutionID)
}

func (f *fakeUserStore) GetByFederatedID(ctx context.Context, federatedID string) (*users.User, error) {
	for _, user := range f.users {
		if user.FederatedID == federatedID {
			copied := *user
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", users.ErrNotFound, federatedID)
}

func (f *fakeUserStore) Create(ctx context.Context, user *users.User) error {
	copied := *user
	f.users[user.Username] = &copied
	return nil
}

func (f *fakeUserStore) Update(ctx context.Context, user *users.User) error {
	if _, ok := f.users[user.Username]; !ok {
		return fmt.Errorf("%w: %s", users.ErrNotFound, user.Username)
	}
	copied := *user
	f.users[user.Username] = &copied
	return nil
}

func (f *fakeUserStore) GetRole(ctx context.Context, name string) (*users.Role, error) {
	if role, ok := f.roles[name]; ok {
		return role, nil
	}
	return nil, fmt.Errorf("%w: role %s", users.ErrNotFound, name)
}

func (f *fakeUserStore) CreateRole(ctx context.Context, role *users.Role) error {
	f.roles[role.Name] = role
	return nil
}

func (f *fakeUserStore) GetRolesByNames(ctx context.Context, names []string) ([]users.Role, error) {
	var out []users.Role
	for _, name := range names {
		if role, ok := f.roles[name]; ok {
			out = append(out, *role)
		}
	}
	return out, nil
}

type testEnv struct {
	persons   *fakePersons
	units     *fakeUnits
	tenants   *fakeTenantStore
	userStore *fakeUserStore
	pipeline  *Pipeline
}

func newTestEnv() *testEnv {
	env := &testEnv{
		persons:   &fakePersons{results: make(map[string]personreg.Result)},
		units:     &fakeUnits{tops: make(map[string]string)},
		tenants:   &fakeTenantStore{customers: make(map[string]tenants.Customer)},
		userStore: newFakeUserStore(),
	}

	synchronizer := users.NewSynchronizer(env.userStore, env.units, nil).
		WithRetryBudget(2, time.Millisecond)
	env.pipeline = New(
		env.persons,
		env.units,
		tenants.NewMatcher(env.tenants),
		synchronizer,
		claims.NewAssembler(env.userStore),
		nil,
	)
	return env
}

func (e *testEnv) addPerson(nationalID, personID string, affiliations ...personreg.Affiliation) {
	e.persons.results[nationalID] = personreg.Result{
		Status: personreg.StatusFound,
		Person: &personreg.Person{ID: personID, Affiliations: affiliations},
	}
}

func (e *testEnv) addCustomer(tenantID, institutionID, domain string) {
	e.tenants.customers[institutionID] = tenants.Customer{
		TenantID:        tenantID,
		InstitutionID:   institutionID,
		FederatedDomain: domain,
	}
}

func TestResolveSingleCustomerLogin(t *testing.T) {
	env := newTestEnv()
	env.units.tops["o1"] = "I1"
	env.addCustomer("c1", "I1", "")
	env.addPerson("01018012345", "P", personreg.Affiliation{UnitID: "o1", Active: true})

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.NoError(t, err)

	require.Len(t, env.userStore.users, 1)
	user := env.userStore.users["P@I1"]
	require.NotNil(t, user, "user created with the canonical username")
	assert.Equal(t, "o1", user.UnitID)

	cs := resolution.ClaimSet
	assert.Equal(t, "c1", cs.CurrentCustomerID)
	assert.Equal(t, []string{"c1"}, cs.AllowedCustomers)
	assert.Equal(t, "P@I1", cs.Username)
	assert.Equal(t, []string{"employee@c1"}, cs.Roles)
	assert.Equal(t, []string{"portal_access@c1"}, cs.AccessRights)
}

func TestResolveIsIdempotent(t *testing.T) {
	env := newTestEnv()
	env.units.tops["o1"] = "I1"
	env.addCustomer("c1", "I1", "")
	env.addPerson("01018012345", "P", personreg.Affiliation{UnitID: "o1", Active: true})
	event := LoginEvent{NationalID: "01018012345"}

	first, err := env.pipeline.Resolve(context.Background(), event)
	require.NoError(t, err)
	second, err := env.pipeline.Resolve(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, first.ClaimSet.Attributes(nil), second.ClaimSet.Attributes(nil))
	assert.Len(t, env.userStore.users, 1, "no second record for the same pair")
}

func TestResolveRejectsMissingIdentifier(t *testing.T) {
	env := newTestEnv()

	_, err := env.pipeline.Resolve(context.Background(), LoginEvent{FederatedDomain: "uio.no"})
	assert.ErrorIs(t, err, ErrMissingIdentifier)
	assert.Zero(t, env.persons.calls, "rejected before any external call")
}

func TestResolvePrefersFederatedNationalID(t *testing.T) {
	env := newTestEnv()
	env.addPerson("fed-id", "P")

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{
		NationalID:          "direct-id",
		FederatedNationalID: "fed-id",
	})
	require.NoError(t, err)
	assert.Equal(t, "P", resolution.Person.ID)
}

func TestResolveUnknownPersonYieldsEmptyClaims(t *testing.T) {
	env := newTestEnv()

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "unknown"})
	require.NoError(t, err)

	cs := resolution.ClaimSet
	assert.Empty(t, cs.AllowedCustomers)
	assert.Empty(t, cs.CurrentCustomerID)
	attrs := cs.Attributes(nil)
	assert.Equal(t, claims.EmptyMarker, attrs[claims.AttrAllowedCustomers])
	assert.Equal(t, claims.EmptyMarker, attrs[claims.AttrPersonID])
	assert.Empty(t, env.userStore.users)
}

func TestResolveRegistryUnavailable(t *testing.T) {
	env := newTestEnv()
	env.persons.results["01018012345"] = personreg.Result{
		Status: personreg.StatusUnavailable,
		Err:    fmt.Errorf("%w: connection refused", personreg.ErrUnavailable),
	}

	_, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	assert.ErrorIs(t, err, personreg.ErrUnavailable)
}

func TestResolveUnresolvableUnitFailsClosed(t *testing.T) {
	env := newTestEnv()
	env.addCustomer("c1", "I1", "")
	env.addPerson("01018012345", "P", personreg.Affiliation{UnitID: "o-unknown", Active: true})

	_, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.Error(t, err)
	assert.Empty(t, env.userStore.users, "no sync happens when mapping aborts")
}

func TestResolveDropsNonTenantInstitution(t *testing.T) {
	env := newTestEnv()
	env.units.tops["oY"] = "Y"

	env.addPerson("01018012345", "P", personreg.Affiliation{UnitID: "oY", Active: true})

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.NoError(t, err)

	assert.Empty(t, env.userStore.users)
	assert.Empty(t, resolution.ClaimSet.AllowedCustomers)
}

func TestResolveMergesInactiveAndActiveAffiliations(t *testing.T) {
	env := newTestEnv()
	env.units.tops["oA"] = "X"
	env.units.tops["oB"] = "X"
	env.addCustomer("cx", "X", "")
	env.addPerson("01018012345", "P",
		personreg.Affiliation{UnitID: "oA", Active: false},
		personreg.Affiliation{UnitID: "oB", Active: true},
	)

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.NoError(t, err)

	require.Len(t, resolution.Matches, 1)
	assert.True(t, resolution.Matches[0].Active, "any active link makes the institution active")
	require.NotNil(t, env.userStore.users["P@X"])
	assert.Equal(t, "oB", env.userStore.users["P@X"].UnitID, "affiliation follows the active unit")
}

func TestResolvePicksMostSpecificActiveUnit(t *testing.T) {
	env := newTestEnv()
	// The institution is its own top-level unit; a sub-unit is more specific
	env.units.tops["I1"] = "I1"
	env.units.tops["I1.5.0"] = "I1"
	env.addCustomer("c1", "I1", "")
	env.addPerson("01018012345", "P",
		personreg.Affiliation{UnitID: "I1", Active: true},
		personreg.Affiliation{UnitID: "I1.5.0", Active: true},
	)

	_, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.NoError(t, err)
	assert.Equal(t, "I1.5.0", env.userStore.users["P@I1"].UnitID)
}

func TestResolveInactiveCustomerIsNotSynced(t *testing.T) {
	env := newTestEnv()
	env.units.tops["o1"] = "I1"
	env.addCustomer("c1", "I1", "")
	env.addPerson("01018012345", "P", personreg.Affiliation{UnitID: "o1", Active: false})

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.NoError(t, err)

	assert.Empty(t, env.userStore.users, "inactive affiliations never create users")
	assert.Empty(t, resolution.ClaimSet.AllowedCustomers)
}

func TestResolveAmbiguousCustomersListBoth(t *testing.T) {
	env := newTestEnv()
	env.units.tops["o1"] = "I1"
	env.units.tops["o2"] = "I2"
	env.addCustomer("c1", "I1", "")
	env.addCustomer("c2", "I2", "")
	env.addPerson("01018012345", "P",
		personreg.Affiliation{UnitID: "o1", Active: true},
		personreg.Affiliation{UnitID: "o2", Active: true},
	)

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.NoError(t, err)

	cs := resolution.ClaimSet
	assert.Empty(t, cs.CurrentCustomerID, "two active customers stay ambiguous")
	assert.ElementsMatch(t, []string{"c1", "c2"}, cs.AllowedCustomers)
}

func TestResolveFederatedDomainSelectsCustomer(t *testing.T) {
	env := newTestEnv()
	env.units.tops["o1"] = "I1"
	env.units.tops["o2"] = "I2"
	env.addCustomer("c1", "I1", "uio.no")
	env.addCustomer("c2", "I2", "ntnu.no")
	env.addPerson("fed-nin", "P",
		personreg.Affiliation{UnitID: "o1", Active: true},
		personreg.Affiliation{UnitID: "o2", Active: true},
	)

	resolution, err := env.pipeline.Resolve(context.Background(), LoginEvent{
		FederatedNationalID: "fed-nin",
		FederatedID:         "kari@ntnu.no",
		FederatedDomain:     "ntnu.no",
	})
	require.NoError(t, err)

	cs := resolution.ClaimSet
	assert.Equal(t, "c2", cs.CurrentCustomerID)
	assert.Equal(t, []string{"c2"}, cs.AllowedCustomers, "federated session scoped to its domain")
	assert.Equal(t, "kari@ntnu.no", env.userStore.users["P@I2"].FederatedID)
}

func TestResolveFatalInstitutionMismatch(t *testing.T) {
	env := newTestEnv()
	env.units.tops["o1"] = "I1"
	env.addCustomer("c1", "I1", "")
	env.addPerson("01018012345", "P", personreg.Affiliation{UnitID: "o1", Active: true})

	// Pre-existing record whose stored institution disagrees with the one its
	// own unit resolves to
	env.userStore.users["P@I1"] = &users.User{
		Username:      "P@I1",
		PersonID:      "P",
		InstitutionID: "I1",
		UnitID:        "o-stale",
	}
	env.units.tops["o-stale"] = "Z"

	_, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.Error(t, err)

	var mismatch *users.InstitutionMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "I1", mismatch.StoredInstitutionID)
	assert.Equal(t, "Z", mismatch.DerivedInstitutionID)
}

func TestResolveMemoizesUnitLookups(t *testing.T) {
	env := newTestEnv()
	env.units.tops["o1"] = "I1"
	env.addCustomer("c1", "I1", "")
	env.addPerson("01018012345", "P",
		personreg.Affiliation{UnitID: "o1", Active: true},
		personreg.Affiliation{UnitID: "o1", Active: true},
	)

	before := env.units.calls
	_, err := env.pipeline.Resolve(context.Background(), LoginEvent{NationalID: "01018012345"})
	require.NoError(t, err)

	// One mapping call for the repeated unit; the synchronizer's own
	// verification lookups go straight to the client
	mappingCalls := env.units.calls - before
	assert.LessOrEqual(t, mappingCalls, 2)
}
