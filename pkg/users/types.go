// Package users holds per-tenant user records and the synchronizer that
// creates, reconciles and migrates them at login time.
package users

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound indicates no user record exists for the given key
var ErrNotFound = errors.New("user not found")

// ErrSyncFailed indicates a store write succeeded but the following read never
// converged within the retry budget. The write is assumed durable.
var ErrSyncFailed = errors.New("user store read did not converge after write")

// InstitutionMismatchError is a fatal consistency error: a user record's
// stored institution id disagrees with the institution derivable from its own
// stored unit id. This typically means a tenant was deleted and recreated with
// a new identity, orphaning old users. It is surfaced, never repaired: silent
// repair could reattach a user to the wrong tenant.
type InstitutionMismatchError struct {
	Username             string
	StoredInstitutionID  string
	DerivedInstitutionID string
}

func (e *InstitutionMismatchError) Error() string {
	return fmt.Sprintf(
		"user %s: stored institution id %q does not match institution id %q derived from its unit; manual remediation required",
		e.Username, e.StoredInstitutionID, e.DerivedInstitutionID,
	)
}

// DefaultRoleName is granted to anyone with an active employment at a
// customer institution.
const DefaultRoleName = "employee"

// User is a persistent record, one per (person, customer) pair. Username is
// the stable identity key: <personID>@<institutionID>, except legacy records
// created before the canonical scheme, which keep their federated-id username.
type User struct {
	Username      string `json:"username"`
	PersonID      string `json:"person_id,omitempty"`
	InstitutionID string `json:"institution_id,omitempty"`
	// UnitID is the most specific active unit at the last login
	UnitID      string `json:"unit_id,omitempty"`
	FederatedID string `json:"federated_id,omitempty"`
	// AcceptedTermsVersion is the customer's terms version the person last
	// accepted; claims stay empty until it matches the customer's current one
	AcceptedTermsVersion string    `json:"accepted_terms_version,omitempty"`
	Roles                []string  `json:"roles"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Role is a named bundle of access rights, referenced by users by name
type Role struct {
	Name         string    `json:"name"`
	AccessRights []string  `json:"access_rights"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CanonicalUsername derives the stable per-tenant identity key
func CanonicalUsername(personID, institutionID string) string {
	return personID + "@" + institutionID
}
