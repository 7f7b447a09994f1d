package tenants

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Matcher maps a person's institutions to registered customers
type Matcher struct {
	store Store
}

// NewMatcher creates a new customer matcher
func NewMatcher(store Store) *Matcher {
	return &Matcher{store: store}
}

// Match resolves each institution to its registered customer. Institutions
// may repeat (several affiliations rolling up to the same institution); any
// active link makes the institution active. Institutions without a registered
// customer are dropped without error. The result is ordered by institution id
// so resolutions are deterministic.
func (m *Matcher) Match(ctx context.Context, institutions []Institution) ([]Match, error) {
	merged := make(map[string]bool)
	for _, institution := range institutions {
		merged[institution.ID] = merged[institution.ID] || institution.Active
	}

	ids := make([]string, 0, len(merged))
	for id := range merged {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var matches []Match
	for _, id := range ids {
		customer, err := m.store.GetByInstitution(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to match institution %s: %w", id, err)
		}
		matches = append(matches, Match{Customer: customer, Active: merged[id]})
	}

	return matches, nil
}
