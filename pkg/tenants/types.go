// Package tenants holds customer (tenant) records and the customer matcher
// that maps a person's institutions to onboarded tenants.
package tenants

import (
	"errors"
	"time"
)

// ErrNotFound indicates no customer is registered for the given key. During
// matching this is not an error: institutions without an onboarded tenant are
// silently dropped.
var ErrNotFound = errors.New("customer not found")

// Customer is a persistent tenant record keyed by institution id. Owned by the
// customer registry; read-only to this service.
type Customer struct {
	TenantID      string    `json:"tenant_id"`
	InstitutionID string    `json:"institution_id"`
	Name          string    `json:"name"`
	// FederatedDomain is the federated-login home organization domain used to
	// disambiguate the current customer, when the tenant has one.
	FederatedDomain string    `json:"federated_domain,omitempty"`
	TermsVersion    string    `json:"terms_version"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Institution is a top-level institution reachable from the person's raw
// affiliations, with the merged active flag.
type Institution struct {
	ID     string
	Active bool
}

// Match pairs a matched customer with the institution's merged active flag.
type Match struct {
	Customer Customer
	Active   bool
}
