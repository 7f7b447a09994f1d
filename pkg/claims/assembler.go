package claims

import (
	"context"
	"fmt"
	"sort"

	"github.com/campushub/tenantclaims/pkg/tenants"
	"github.com/campushub/tenantclaims/pkg/users"
)

// RoleSource expands role names into role records carrying access rights
type RoleSource interface {
	GetRolesByNames(ctx context.Context, names []string) ([]users.Role, error)
}

// Input carries everything the assembler needs for one login
type Input struct {
	PersonID        string
	FederatedID     string
	FederatedDomain string
	Impersonated    bool

	// Matches in the matcher's deterministic order
	Matches []tenants.Match
	// Users keyed by institution id, one per synchronized customer
	Users map[string]*users.User
	// Current is the selected customer, nil when none was selected
	Current *tenants.Customer
}

// Assembler combines matched customers, synchronized users, their roles and
// the terms-acceptance gate into the final claim set.
type Assembler struct {
	roles RoleSource
}

// NewAssembler creates a claims assembler
func NewAssembler(roles RoleSource) *Assembler {
	return &Assembler{roles: roles}
}

// Assemble computes the claim set. A customer contributes allowed-customer,
// access-right and role claims only while the person has accepted that
// customer's current terms version; otherwise its claims stay empty.
func (a *Assembler) Assemble(ctx context.Context, in Input) (*ClaimSet, error) {
	cs := &ClaimSet{
		PersonID:     in.PersonID,
		FederatedID:  in.FederatedID,
		Impersonated: in.Impersonated,
	}

	for _, match := range in.Matches {
		if !match.Active {
			continue
		}
		customer := match.Customer

		user := in.Users[customer.InstitutionID]
		if user == nil || user.AcceptedTermsVersion != customer.TermsVersion {
			continue
		}

		// A federated session is scoped to the customer of its issuing
		// domain; other customers stay reachable only via explicit selection.
		if in.FederatedDomain == "" || customer.FederatedDomain == in.FederatedDomain {
			cs.AllowedCustomers = append(cs.AllowedCustomers, customer.TenantID)
		}

		rights, err := a.accessRights(ctx, user)
		if err != nil {
			return nil, err
		}
		for _, right := range rights {
			cs.AccessRights = append(cs.AccessRights, right+"@"+customer.TenantID)
		}
		for _, role := range user.Roles {
			cs.Roles = append(cs.Roles, role+"@"+customer.TenantID)
		}
	}

	if in.Current != nil {
		if user := in.Users[in.Current.InstitutionID]; user != nil {
			cs.CurrentCustomerID = in.Current.TenantID
			cs.InstitutionID = in.Current.InstitutionID
			cs.Username = user.Username
			cs.AffiliationUnit = user.UnitID
			cs.TermsVersion = in.Current.TermsVersion
			cs.AcceptedTermsVersion = user.AcceptedTermsVersion
		}
	}

	return cs, nil
}

// accessRights resolves the distinct access rights granted through a user's
// roles, sorted for stable claim rendering.
func (a *Assembler) accessRights(ctx context.Context, user *users.User) ([]string, error) {
	if len(user.Roles) == 0 {
		return nil, nil
	}

	roles, err := a.roles.GetRolesByNames(ctx, user.Roles)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve roles for user %s: %w", user.Username, err)
	}

	seen := make(map[string]bool)
	var rights []string
	for _, role := range roles {
		for _, right := range role.AccessRights {
			if !seen[right] {
				seen[right] = true
				rights = append(rights, right)
			}
		}
	}
	sort.Strings(rights)
	return rights, nil
}
