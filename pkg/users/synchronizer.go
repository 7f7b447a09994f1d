package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campushub/tenantclaims/pkg/observability"
	"github.com/campushub/tenantclaims/pkg/retry"
)

// InstitutionResolver derives the top-level institution for a stored unit id,
// used to detect records orphaned by tenant re-registration.
type InstitutionResolver interface {
	TopInstitution(ctx context.Context, unitID string) (string, error)
}

// defaultAccessRights are granted through the default role to anyone with an
// active employment at a customer institution.
var defaultAccessRights = []string{"portal_access"}

// SyncRequest describes one (person, customer) pair with an active
// affiliation to synchronize.
type SyncRequest struct {
	PersonID      string
	FederatedID   string
	InstitutionID string
	// UnitID is the most specific active unit for the institution at this login
	UnitID string
}

// Synchronizer finds, reconciles or creates the user record for a (person,
// customer) pair. Operations are idempotent and convergent: two racing logins
// for the same pair settle on one record.
type Synchronizer struct {
	store    Store
	resolver InstitutionResolver
	metrics  *observability.Metrics

	retryAttempts int
	retryDelay    time.Duration
}

// NewSynchronizer creates a user synchronizer. metrics may be nil.
func NewSynchronizer(store Store, resolver InstitutionResolver, metrics *observability.Metrics) *Synchronizer {
	return &Synchronizer{
		store:         store,
		resolver:      resolver,
		metrics:       metrics,
		retryAttempts: retry.DefaultAttempts,
		retryDelay:    retry.DefaultDelay,
	}
}

// WithRetryBudget overrides the read-after-write retry budget. Tests shrink it
// to keep failure cases fast.
func (s *Synchronizer) WithRetryBudget(attempts int, delay time.Duration) *Synchronizer {
	s.retryAttempts = attempts
	s.retryDelay = delay
	return s
}

// lookupStrategy is one way of finding an existing user. Strategies are tried
// in order; the first hit wins, which keeps canonical-vs-legacy precedence
// explicit.
type lookupStrategy struct {
	name   string
	lookup func(ctx context.Context) (*User, error)
}

// Sync runs the find-or-create flow for one (person, customer) pair
func (s *Synchronizer) Sync(ctx context.Context, req SyncRequest) (*User, error) {
	logger := observability.FromContext(ctx).WithFields(map[string]interface{}{
		"institution_id": req.InstitutionID,
	})

	strategies := []lookupStrategy{
		{
			name: "canonical",
			lookup: func(ctx context.Context) (*User, error) {
				return s.store.GetByPersonAndInstitution(ctx, req.PersonID, req.InstitutionID)
			},
		},
	}
	if req.FederatedID != "" {
		strategies = append(strategies, lookupStrategy{
			name: "federated",
			lookup: func(ctx context.Context) (*User, error) {
				return s.store.GetByFederatedID(ctx, req.FederatedID)
			},
		})
	}

	for _, strategy := range strategies {
		user, err := strategy.lookup(ctx)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("user lookup (%s) failed: %w", strategy.name, err)
		}

		switch strategy.name {
		case "canonical":
			return s.reconcile(ctx, user, req)
		case "federated":
			// A federated hit that already carries canonical identifiers
			// belongs to another (person, customer) pair; only records without
			// them are legacy and eligible for migration.
			if user.PersonID != "" || user.InstitutionID != "" {
				continue
			}
			logger.Infof("Migrating legacy user %s to canonical identifiers", user.Username)
			return s.migrate(ctx, user, req)
		}
	}

	logger.Infof("Creating user for person %s at institution %s", req.PersonID, req.InstitutionID)
	return s.create(ctx, req)
}

// reconcile updates an existing canonical record with the current login's
// affiliation, after verifying the record still belongs to its institution.
func (s *Synchronizer) reconcile(ctx context.Context, user *User, req SyncRequest) (*User, error) {
	if err := s.verifyInstitution(ctx, user); err != nil {
		return nil, err
	}

	user.UnitID = req.UnitID
	if user.FederatedID == "" && req.FederatedID != "" {
		user.FederatedID = req.FederatedID
	}

	if err := s.store.Update(ctx, user); err != nil {
		return nil, err
	}

	return s.reread(ctx, user.Username, func(u *User) bool {
		return u.UnitID == req.UnitID
	})
}

// migrate attaches canonical identifiers to a legacy federated-keyed record.
// The username is preserved so existing references keep resolving.
func (s *Synchronizer) migrate(ctx context.Context, user *User, req SyncRequest) (*User, error) {
	user.PersonID = req.PersonID
	user.InstitutionID = req.InstitutionID
	user.UnitID = req.UnitID

	if err := s.store.Update(ctx, user); err != nil {
		return nil, err
	}

	synced, err := s.reread(ctx, user.Username, func(u *User) bool {
		return u.PersonID == req.PersonID && u.InstitutionID == req.InstitutionID
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.UsersMigratedTotal.Inc()
	}
	return synced, nil
}

// create provisions a new user with the canonical username and the default
// role.
func (s *Synchronizer) create(ctx context.Context, req SyncRequest) (*User, error) {
	if err := s.ensureDefaultRole(ctx); err != nil {
		return nil, err
	}

	user := &User{
		Username:      CanonicalUsername(req.PersonID, req.InstitutionID),
		PersonID:      req.PersonID,
		InstitutionID: req.InstitutionID,
		UnitID:        req.UnitID,
		FederatedID:   req.FederatedID,
		Roles:         []string{DefaultRoleName},
	}

	if err := s.store.Create(ctx, user); err != nil {
		return nil, err
	}

	synced, err := s.reread(ctx, user.Username, func(u *User) bool { return true })
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.UsersCreatedTotal.Inc()
	}
	return synced, nil
}

// verifyInstitution checks that the record's stored institution id agrees with
// the institution derivable from its stored unit id. Disagreement is fatal and
// never repaired here.
func (s *Synchronizer) verifyInstitution(ctx context.Context, user *User) error {
	if user.UnitID == "" || user.InstitutionID == "" {
		return nil
	}

	derived, err := s.resolver.TopInstitution(ctx, user.UnitID)
	if err != nil {
		return fmt.Errorf("failed to derive institution for user %s: %w", user.Username, err)
	}

	if derived != user.InstitutionID {
		return &InstitutionMismatchError{
			Username:             user.Username,
			StoredInstitutionID:  user.InstitutionID,
			DerivedInstitutionID: derived,
		}
	}

	return nil
}

// ensureDefaultRole creates the default role on first use
func (s *Synchronizer) ensureDefaultRole(ctx context.Context) error {
	_, err := s.store.GetRole(ctx, DefaultRoleName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	role := &Role{Name: DefaultRoleName, AccessRights: defaultAccessRights}
	if err := s.store.CreateRole(ctx, role); err != nil {
		return err
	}

	readErr := retry.Until(ctx, s.retryAttempts, s.retryDelay, func(ctx context.Context) error {
		_, err := s.store.GetRole(ctx, DefaultRoleName)
		return err
	})
	if readErr != nil {
		return s.syncFailure(ctx, "role "+DefaultRoleName, readErr)
	}
	return nil
}

// reread fetches a just-written user until the read reflects the write, within
// the retry budget.
func (s *Synchronizer) reread(ctx context.Context, username string, converged func(*User) bool) (*User, error) {
	var user *User
	err := retry.Until(ctx, s.retryAttempts, s.retryDelay, func(ctx context.Context) error {
		u, err := s.store.GetByUsername(ctx, username)
		if err != nil {
			return err
		}
		if !converged(u) {
			return fmt.Errorf("read of user %s is stale", username)
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, s.syncFailure(ctx, "user "+username, err)
	}
	return user, nil
}

// syncFailure logs the exhausted retry budget distinctly from ordinary
// not-found failures and marks the operation as a data-sync error. The
// underlying write is assumed to have succeeded.
func (s *Synchronizer) syncFailure(ctx context.Context, subject string, cause error) error {
	observability.FromContext(ctx).
		WithError(cause).
		Errorf("Post-write read of %s never converged; write assumed durable", subject)

	if s.metrics != nil {
		s.metrics.SyncFailuresTotal.Inc()
	}
	return fmt.Errorf("%w: %s: %v", ErrSyncFailed, subject, cause)
}
