package claims

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EmptyMarker is the sentinel emitted for list and current-customer attributes
// that resolved to nothing. Downstream parsers must treat it distinctly from an
// absent attribute, so it is never the empty string.
const EmptyMarker = "EMPTY"

// Attribute names pushed to the token platform as session overrides
const (
	AttrCurrentCustomer  = "currentCustomer"
	AttrAllowedCustomers = "allowedCustomers"
	AttrAccessRights     = "accessRights"
	AttrRoles            = "roles"
	AttrPersonID         = "personRegistryId"
	AttrInstitutionID    = "institutionId"
	AttrUsername         = "username"
	AttrAffiliationUnit  = "affiliationUnit"
	AttrFederatedID      = "federatedId"
	AttrImpersonated     = "impersonated"
	AttrTermsVersion     = "termsVersion"
	AttrAcceptedTerms    = "acceptedTermsVersion"
)

// legacyAliases maps current attribute names to the names older platform
// consumers still read. Aliased attributes are emitted under both names.
var legacyAliases = map[string]string{
	AttrCurrentCustomer:  "customerId",
	AttrAllowedCustomers: "customers",
	AttrUsername:         "customerUsername",
	AttrInstitutionID:    "topOrgId",
}

// suppressedAttributes are never exposed on externally-readable views of the
// session, regardless of content.
var suppressedAttributes = []string{
	AttrPersonID,
	AttrFederatedID,
	AttrAffiliationUnit,
	AttrImpersonated,
}

// SuppressedAttributes returns the fixed suppress-from-public-view list,
// including legacy aliases of suppressed names.
func SuppressedAttributes() []string {
	suppressed := make([]string, 0, len(suppressedAttributes)+len(legacyAliases))
	for _, name := range suppressedAttributes {
		suppressed = append(suppressed, name)
		if alias, ok := legacyAliases[name]; ok {
			suppressed = append(suppressed, alias)
		}
	}
	return suppressed
}

// LoadNameOverrides reads an optional YAML file remapping outbound attribute
// names, keyed by the canonical names above. An empty path is not an error.
func LoadNameOverrides(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attribute overrides %s: %w", path, err)
	}

	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse attribute overrides %s: %w", path, err)
	}

	for name := range overrides {
		if !knownAttribute(name) {
			return nil, fmt.Errorf("unknown attribute %q in overrides %s", name, path)
		}
	}
	return overrides, nil
}

func knownAttribute(name string) bool {
	switch name {
	case AttrCurrentCustomer, AttrAllowedCustomers, AttrAccessRights, AttrRoles,
		AttrPersonID, AttrInstitutionID, AttrUsername, AttrAffiliationUnit,
		AttrFederatedID, AttrImpersonated, AttrTermsVersion, AttrAcceptedTerms:
		return true
	}
	return false
}
