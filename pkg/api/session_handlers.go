package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/campushub/tenantclaims/pkg/httputil"
	"github.com/campushub/tenantclaims/pkg/tenants"
	"github.com/campushub/tenantclaims/pkg/users"
)

// SessionHandlers handles the customer-selection side channel: an
// authenticated person picks a current customer from their already-computed
// allowed-customers claim.
type SessionHandlers struct {
	customers tenants.Store
	users     users.Store
	logger    *logrus.Logger
}

// NewSessionHandlers creates session handlers
func NewSessionHandlers(customers tenants.Store, userStore users.Store, logger *logrus.Logger) *SessionHandlers {
	return &SessionHandlers{
		customers: customers,
		users:     userStore,
		logger:    logger,
	}
}

// RegisterRoutes registers session routes
func (h *SessionHandlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/v1/session/customer", h.selectCustomer).Methods("POST")
}

// SelectCustomerRequest asks to switch the session to one of the customers
// already present on the session's allowed-customers claim
type SelectCustomerRequest struct {
	PersonID         string   `json:"person_id"`
	CustomerID       string   `json:"customer_id"`
	AllowedCustomers []string `json:"allowed_customers"`
}

// SelectCustomerResponse carries the new current-customer session attributes
type SelectCustomerResponse struct {
	CustomerID      string `json:"customer_id"`
	InstitutionID   string `json:"institution_id"`
	Username        string `json:"username"`
	AffiliationUnit string `json:"affiliation_unit,omitempty"`
}

// selectCustomer handles POST /v1/session/customer. The requested customer is
// re-validated against the session's allowed-customers claim, and the
// per-session username is derived from the canonical rule, never by
// recomputing affiliation.
func (h *SessionHandlers) selectCustomer(w http.ResponseWriter, r *http.Request) {
	var req SelectCustomerRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, "invalid request body")
		return
	}
	if req.PersonID == "" || req.CustomerID == "" {
		httputil.WriteBadRequest(w, "person_id and customer_id are required")
		return
	}

	if !contains(req.AllowedCustomers, req.CustomerID) {
		h.logger.Warnf("Rejected customer selection %s outside allowed set", req.CustomerID)
		httputil.WriteForbidden(w, "customer is not on the session's allowed list")
		return
	}

	customer, err := h.customers.GetByTenantID(r.Context(), req.CustomerID)
	if errors.Is(err, tenants.ErrNotFound) {
		httputil.WriteErrorMessage(w, http.StatusNotFound, "unknown customer")
		return
	}
	if err != nil {
		h.logger.Errorf("Customer lookup failed: %v", err)
		httputil.WriteInternalError(w, err)
		return
	}

	username := users.CanonicalUsername(req.PersonID, customer.InstitutionID)
	response := SelectCustomerResponse{
		CustomerID:    customer.TenantID,
		InstitutionID: customer.InstitutionID,
		Username:      username,
	}

	user, err := h.users.GetByUsername(r.Context(), username)
	switch {
	case errors.Is(err, users.ErrNotFound):
		httputil.WriteErrorMessage(w, http.StatusNotFound, "no user record for this customer")
		return
	case err != nil:
		h.logger.Errorf("User lookup failed: %v", err)
		httputil.WriteInternalError(w, err)
		return
	}
	response.AffiliationUnit = user.UnitID

	httputil.WriteJSON(w, http.StatusOK, response)
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
