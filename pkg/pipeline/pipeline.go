// Package pipeline composes the login-time claims resolution: affiliations
// from the person registry, unit-to-institution mapping, customer matching,
// user synchronization, customer selection and claims assembly.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campushub/tenantclaims/pkg/claims"
	"github.com/campushub/tenantclaims/pkg/observability"
	"github.com/campushub/tenantclaims/pkg/orgreg"
	"github.com/campushub/tenantclaims/pkg/personreg"
	"github.com/campushub/tenantclaims/pkg/tenants"
	"github.com/campushub/tenantclaims/pkg/users"
)

// ErrMissingIdentifier is returned when a login event carries neither the
// direct personal-number claim nor the federated national-id claim. This is a
// caller error, rejected before any external call.
var ErrMissingIdentifier = errors.New("login event carries no national identifier claim")

// LoginEvent is the inbound login description handed to the pipeline
type LoginEvent struct {
	// NationalID is the direct-channel personal-number claim
	NationalID string
	// FederatedNationalID is the national identifier asserted by the identity
	// federation; preferred over NationalID when both are present
	FederatedNationalID string
	// FederatedID is the federation principal (optional)
	FederatedID string
	// FederatedDomain is the federation home-organization domain claim (optional)
	FederatedDomain string
	// PoolID identifies the identity pool the session belongs to
	PoolID string
	// ClientID identifies the caller on backend-initiated logins
	ClientID string
	// Impersonated marks support-initiated sessions
	Impersonated bool
}

// Resolution is the pipeline's output for one login
type Resolution struct {
	ID       string
	Person   *personreg.Person
	Matches  []tenants.Match
	ClaimSet *claims.ClaimSet
}

// PersonLookup resolves a person and raw affiliations by national identifier
type PersonLookup interface {
	LookupByNationalID(ctx context.Context, nationalID string) personreg.Result
}

// CustomerMatcher maps institutions to registered customers
type CustomerMatcher interface {
	Match(ctx context.Context, institutions []tenants.Institution) ([]tenants.Match, error)
}

// UserSynchronizer finds, reconciles or creates the user for one pair
type UserSynchronizer interface {
	Sync(ctx context.Context, req users.SyncRequest) (*users.User, error)
}

// Pipeline runs the full resolution for one login event. One synchronous call
// chain per login; no internal concurrency.
type Pipeline struct {
	persons   PersonLookup
	units     orgreg.UnitResolver
	matcher   CustomerMatcher
	sync      UserSynchronizer
	assembler *claims.Assembler
	metrics   *observability.Metrics
}

// New creates a pipeline. metrics may be nil.
func New(persons PersonLookup, units orgreg.UnitResolver, matcher CustomerMatcher,
	sync UserSynchronizer, assembler *claims.Assembler, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		persons:   persons,
		units:     units,
		matcher:   matcher,
		sync:      sync,
		assembler: assembler,
		metrics:   metrics,
	}
}

// Resolve computes the claim set for one login event
func (p *Pipeline) Resolve(ctx context.Context, event LoginEvent) (*Resolution, error) {
	start := time.Now()
	resolution, err := p.resolve(ctx, event)
	p.observe(err, time.Since(start))
	return resolution, err
}

func (p *Pipeline) resolve(ctx context.Context, event LoginEvent) (*Resolution, error) {
	nationalID := event.FederatedNationalID
	if nationalID == "" {
		nationalID = event.NationalID
	}
	if nationalID == "" {
		return nil, ErrMissingIdentifier
	}

	ctx, span := observability.Tracer().Start(ctx, "pipeline.Resolve")
	defer span.End()

	resolution := &Resolution{ID: uuid.New().String()}
	ctx = observability.WithResolutionID(ctx, resolution.ID)
	logger := observability.FromContext(ctx)

	result := p.persons.LookupByNationalID(ctx, nationalID)
	switch result.Status {
	case personreg.StatusUnavailable:
		return nil, result.Err
	case personreg.StatusNotFound:
		// A person may authenticate without existing in the registry; they
		// simply receive no institutional claims.
		logger.Infof("Person not in registry, resolving empty claim set")
		return p.assemble(ctx, event, resolution, nil, nil)
	}
	resolution.Person = result.Person
	ctx = observability.WithPersonID(ctx, result.Person.ID)

	institutions, unitsByInstitution, err := p.mapInstitutions(ctx, result.Person.Affiliations)
	if err != nil {
		return nil, err
	}

	matches, err := p.matcher.Match(ctx, institutions)
	if err != nil {
		return nil, err
	}
	resolution.Matches = matches

	synced := make(map[string]*users.User)
	for _, match := range matches {
		if !match.Active {
			continue
		}
		user, err := p.sync.Sync(ctx, users.SyncRequest{
			PersonID:      result.Person.ID,
			FederatedID:   event.FederatedID,
			InstitutionID: match.Customer.InstitutionID,
			UnitID:        currentUnit(unitsByInstitution[match.Customer.InstitutionID], match.Customer.InstitutionID),
		})
		if err != nil {
			return nil, err
		}
		synced[match.Customer.InstitutionID] = user
	}

	return p.assemble(ctx, event, resolution, matches, synced)
}

// mapInstitutions resolves every affiliation's unit to its top institution,
// memoizing repeat units within this login. An unresolvable unit aborts the
// whole login: an institution that cannot be resolved cannot be safely matched
// to a customer.
func (p *Pipeline) mapInstitutions(ctx context.Context, affiliations []personreg.Affiliation) ([]tenants.Institution, map[string][]personreg.Affiliation, error) {
	resolver := orgreg.NewResolver(p.units)

	var institutions []tenants.Institution
	byInstitution := make(map[string][]personreg.Affiliation)
	for _, affiliation := range affiliations {
		institutionID, err := resolver.TopInstitution(ctx, affiliation.UnitID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to map unit %s: %w", affiliation.UnitID, err)
		}
		institutions = append(institutions, tenants.Institution{ID: institutionID, Active: affiliation.Active})
		byInstitution[institutionID] = append(byInstitution[institutionID], affiliation)
	}
	return institutions, byInstitution, nil
}

func (p *Pipeline) assemble(ctx context.Context, event LoginEvent, resolution *Resolution,
	matches []tenants.Match, synced map[string]*users.User) (*Resolution, error) {
	personID := ""
	if resolution.Person != nil {
		personID = resolution.Person.ID
	}

	claimSet, err := p.assembler.Assemble(ctx, claims.Input{
		PersonID:        personID,
		FederatedID:     event.FederatedID,
		FederatedDomain: event.FederatedDomain,
		Impersonated:    event.Impersonated,
		Matches:         matches,
		Users:           synced,
		Current:         claims.SelectCustomer(matches, event.FederatedDomain),
	})
	if err != nil {
		return nil, err
	}

	resolution.ClaimSet = claimSet
	return resolution, nil
}

// currentUnit picks the login's most specific active unit for an institution.
// A unit distinct from the institution itself is more specific than the
// institution's own top-level unit.
func currentUnit(affiliations []personreg.Affiliation, institutionID string) string {
	var fallback string
	for _, affiliation := range affiliations {
		if !affiliation.Active {
			continue
		}
		if affiliation.UnitID != institutionID {
			return affiliation.UnitID
		}
		if fallback == "" {
			fallback = affiliation.UnitID
		}
	}
	return fallback
}

func (p *Pipeline) observe(err error, elapsed time.Duration) {
	if p.metrics == nil {
		return
	}

	outcome := observability.OutcomeResolved
	var mismatch *users.InstitutionMismatchError
	switch {
	case err == nil:
	case errors.Is(err, ErrMissingIdentifier):
		outcome = observability.OutcomeCallerError
	case errors.Is(err, personreg.ErrUnavailable) || errors.Is(err, orgreg.ErrUnavailable):
		outcome = observability.OutcomeUnavailable
	case errors.Is(err, users.ErrSyncFailed):
		outcome = observability.OutcomeSyncFailed
	case errors.As(err, &mismatch):
		outcome = observability.OutcomeFatal
	default:
		outcome = observability.OutcomeFatal
	}

	p.metrics.ResolutionsTotal.WithLabelValues(outcome).Inc()
	p.metrics.ResolutionDuration.Observe(elapsed.Seconds())
}
