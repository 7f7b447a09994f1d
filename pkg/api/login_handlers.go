package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/campushub/tenantclaims/pkg/claims"
	"github.com/campushub/tenantclaims/pkg/httputil"
	"github.com/campushub/tenantclaims/pkg/middleware"
	"github.com/campushub/tenantclaims/pkg/orgreg"
	"github.com/campushub/tenantclaims/pkg/personreg"
	"github.com/campushub/tenantclaims/pkg/pipeline"
	"github.com/campushub/tenantclaims/pkg/users"
)

// ClaimsResolver runs the resolution pipeline for one login event
type ClaimsResolver interface {
	Resolve(ctx context.Context, event pipeline.LoginEvent) (*pipeline.Resolution, error)
}

// LoginHandlers handles the login-time claims hook
type LoginHandlers struct {
	resolver  ClaimsResolver
	overrides map[string]string
	logger    *logrus.Logger
}

// NewLoginHandlers creates login hook handlers. overrides may be nil.
func NewLoginHandlers(resolver ClaimsResolver, overrides map[string]string, logger *logrus.Logger) *LoginHandlers {
	return &LoginHandlers{
		resolver:  resolver,
		overrides: overrides,
		logger:    logger,
	}
}

// RegisterRoutes registers login hook routes
func (h *LoginHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/login/claims", h.resolveClaims).Methods("POST")
}

// LoginClaimsRequest is the login event posted by the token platform
type LoginClaimsRequest struct {
	PersonalNumber      string `json:"personal_number,omitempty"`
	FederatedNationalID string `json:"federated_national_id,omitempty"`
	FederatedID         string `json:"federated_id,omitempty"`
	FederatedDomain     string `json:"federated_domain,omitempty"`
	PoolID              string `json:"pool_id,omitempty"`
	Impersonated        bool   `json:"impersonated,omitempty"`
}

// LoginClaimsResponse carries the attribute overrides for the session
type LoginClaimsResponse struct {
	ResolutionID string            `json:"resolution_id"`
	Attributes   map[string]string `json:"attributes"`
	Suppressed   []string          `json:"suppressed"`
}

// resolveClaims handles POST /v1/login/claims
func (h *LoginHandlers) resolveClaims(w http.ResponseWriter, r *http.Request) {
	var req LoginClaimsRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}

	resolution, err := h.resolver.Resolve(r.Context(), pipeline.LoginEvent{
		NationalID:          req.PersonalNumber,
		FederatedNationalID: req.FederatedNationalID,
		FederatedID:         req.FederatedID,
		FederatedDomain:     req.FederatedDomain,
		PoolID:              req.PoolID,
		ClientID:            middleware.ClientID(r.Context()),
		Impersonated:        req.Impersonated,
	})
	if err != nil {
		h.writeResolutionError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, LoginClaimsResponse{
		ResolutionID: resolution.ID,
		Attributes:   resolution.ClaimSet.Attributes(h.overrides),
		Suppressed:   claims.SuppressedAttributes(),
	})
}

// writeResolutionError maps pipeline errors onto the HTTP surface. The token
// platform decides whether a failed resolution fails the login.
func (h *LoginHandlers) writeResolutionError(w http.ResponseWriter, err error) {
	var mismatch *users.InstitutionMismatchError
	switch {
	case errors.Is(err, pipeline.ErrMissingIdentifier):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, personreg.ErrUnavailable), errors.Is(err, orgreg.ErrUnavailable):
		h.logger.Warnf("Claims resolution aborted, registry unavailable: %v", err)
		httputil.WriteBadGateway(w, "upstream registry unavailable")
	case errors.As(err, &mismatch):
		h.logger.Errorf("Fatal consistency error: %v", err)
		httputil.WriteInternalError(w, err)
	case errors.Is(err, users.ErrSyncFailed):
		h.logger.Errorf("User synchronization failed: %v", err)
		httputil.WriteErrorMessage(w, http.StatusInternalServerError, "user synchronization failed")
	default:
		h.logger.Errorf("Claims resolution failed: %v", err)
		httputil.WriteInternalError(w, err)
	}
}
