package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ResolutionsTotal.WithLabelValues(OutcomeResolved).Inc()
	metrics.UsersCreatedTotal.Inc()
	metrics.RegistryRequestsTotal.WithLabelValues("person", "found").Inc()

	families, err := registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["tenantclaims_resolutions_total"])
	assert.True(t, names["tenantclaims_users_created_total"])
	assert.True(t, names["tenantclaims_registry_requests_total"])
}

func TestResolutionOutcomeCounter(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.ResolutionsTotal.WithLabelValues(OutcomeResolved).Inc()
	metrics.ResolutionsTotal.WithLabelValues(OutcomeResolved).Inc()
	metrics.ResolutionsTotal.WithLabelValues(OutcomeSyncFailed).Inc()

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues(OutcomeResolved)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues(OutcomeSyncFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ResolutionsTotal.WithLabelValues(OutcomeFatal)))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/login/claims", nil))

	count := testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("POST", "/v1/login/claims", "502"))
	assert.Equal(t, 1.0, count)
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.UsersMigratedTotal.Inc()

	mux := http.NewServeMux()
	RegisterMetricsEndpoint(mux, registry)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tenantclaims_users_migrated_total 1"))
}
