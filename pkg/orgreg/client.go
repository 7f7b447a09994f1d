// Package orgreg implements the institution mapper: it resolves bottom-level
// organizational units to their top-level institution via the external
// organization registry. Resolution is fail-closed: a unit that cannot be
// resolved aborts the whole login's claim computation, because an unresolved
// institution cannot be safely matched to a customer.
package orgreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/campushub/tenantclaims/pkg/observability"
)

// ErrUnavailable indicates the organization registry could not resolve a unit,
// either because it is unreachable or because the unit is unknown to it. Both
// abort claim computation for the login.
var ErrUnavailable = errors.New("organization registry unavailable")

// Config holds organization registry client configuration
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// Client is an HTTP client for the organization registry
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observability.Metrics
}

// NewClient creates an organization registry client. metrics may be nil.
func NewClient(cfg Config, metrics *observability.Metrics) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)
	httpClient := &http.Client{Timeout: timeout, Transport: transport}

	if cfg.ClientID != "" && cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		httpClient = cc.Client(ctx)
		httpClient.Timeout = timeout
	}

	return &Client{
		baseURL: cfg.BaseURL,
		http:    httpClient,
		metrics: metrics,
	}
}

type unitResponse struct {
	UnitID        string `json:"unit_id"`
	InstitutionID string `json:"institution_id"`
}

// TopInstitution resolves a bottom-level unit to its top-level institution id.
// A unit may be its own top-level institution.
func (c *Client) TopInstitution(ctx context.Context, unitID string) (string, error) {
	start := time.Now()
	institutionID, err := c.resolve(ctx, unitID)

	if c.metrics != nil {
		outcome := "found"
		if err != nil {
			outcome = "unavailable"
		}
		c.metrics.RegistryRequestsTotal.WithLabelValues("organization", outcome).Inc()
		c.metrics.RegistryRequestDuration.WithLabelValues("organization").Observe(time.Since(start).Seconds())
	}

	return institutionID, err
}

func (c *Client) resolve(ctx context.Context, unitID string) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/units/%s", c.baseURL, url.PathEscape(unitID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unit %s: unexpected status %d", ErrUnavailable, unitID, resp.StatusCode)
	}

	var unit unitResponse
	if err := json.NewDecoder(resp.Body).Decode(&unit); err != nil {
		return "", fmt.Errorf("%w: malformed response for unit %s: %v", ErrUnavailable, unitID, err)
	}
	if unit.InstitutionID == "" {
		return "", fmt.Errorf("%w: unit %s: response missing institution_id", ErrUnavailable, unitID)
	}

	return unit.InstitutionID, nil
}
