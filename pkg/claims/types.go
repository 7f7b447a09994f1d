package claims

import "strings"

// ClaimSet is the computed session claim set for one login. It is transient:
// recomputed on every login, never persisted.
type ClaimSet struct {
	PersonID    string
	FederatedID string

	// Current-customer scoped values; empty when no customer was selected
	CurrentCustomerID string
	InstitutionID     string
	Username          string
	AffiliationUnit   string

	AllowedCustomers []string
	// AccessRights and Roles carry `<value>@<tenantID>` pairs for active
	// customers with accepted terms
	AccessRights []string
	Roles        []string

	TermsVersion         string
	AcceptedTermsVersion string
	Impersonated         bool
}

// Attributes renders the claim set as the attribute override map sent to the
// token platform. Lists are comma-joined; values that resolved to nothing are
// the explicit empty marker, never absent and never the empty string. Legacy
// alias names are emitted alongside current names. overrides may be nil.
func (c *ClaimSet) Attributes(overrides map[string]string) map[string]string {
	attrs := map[string]string{
		AttrCurrentCustomer:  orMarker(c.CurrentCustomerID),
		AttrAllowedCustomers: joinOrMarker(c.AllowedCustomers),
		AttrAccessRights:     joinOrMarker(c.AccessRights),
		AttrRoles:            joinOrMarker(c.Roles),
		AttrPersonID:         orMarker(c.PersonID),
		AttrInstitutionID:    orMarker(c.InstitutionID),
		AttrUsername:         orMarker(c.Username),
		AttrAffiliationUnit:  orMarker(c.AffiliationUnit),
		AttrFederatedID:      orMarker(c.FederatedID),
		AttrImpersonated:     boolValue(c.Impersonated),
		AttrTermsVersion:     orMarker(c.TermsVersion),
		AttrAcceptedTerms:    orMarker(c.AcceptedTermsVersion),
	}

	for name, alias := range legacyAliases {
		attrs[alias] = attrs[name]
	}

	for name, renamed := range overrides {
		if value, ok := attrs[name]; ok {
			delete(attrs, name)
			attrs[renamed] = value
		}
	}

	return attrs
}

func orMarker(value string) string {
	if value == "" {
		return EmptyMarker
	}
	return value
}

func joinOrMarker(values []string) string {
	if len(values) == 0 {
		return EmptyMarker
	}
	return strings.Join(values, ",")
}

func boolValue(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
