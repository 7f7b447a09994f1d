package orgreg

import "context"

// UnitResolver resolves a bottom-level unit id to its top-level institution id
type UnitResolver interface {
	TopInstitution(ctx context.Context, unitID string) (string, error)
}

// Resolver memoizes unit lookups within one login. Institutional hierarchies
// change, so a new Resolver is constructed per login and nothing survives it.
type Resolver struct {
	client UnitResolver
	memo   map[string]string
}

// NewResolver creates a per-login memoizing resolver
func NewResolver(client UnitResolver) *Resolver {
	return &Resolver{
		client: client,
		memo:   make(map[string]string),
	}
}

// TopInstitution resolves a unit, hitting the memo for repeat units within the
// same login
func (r *Resolver) TopInstitution(ctx context.Context, unitID string) (string, error) {
	if institutionID, ok := r.memo[unitID]; ok {
		return institutionID, nil
	}

	institutionID, err := r.client.TopInstitution(ctx, unitID)
	if err != nil {
		return "", err
	}

	r.memo[unitID] = institutionID
	return institutionID, nil
}
