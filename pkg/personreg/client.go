// Package personreg implements the affiliation resolver: it queries the
// external person registry for a person's organizational affiliations at
// login time. Nothing from the registry is ever persisted; every login gets a
// fresh resolution.
package personreg

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

// ErrUnavailable indicates the registry could not be reached or answered with
// a malformed or unexpected response. Callers decide whether to fail the login
// or let it proceed without institutional claims.
var ErrUnavailable = errors.New("person registry unavailable")

// Affiliation is a person's link to a bottom-level organizational unit
type Affiliation struct {
	UnitID string `json:"unit_id"`
	Active bool   `json:"active"`
}

// Person is the registry's view of a person. Sourced fresh on every login.
type Person struct {
	ID           string        `json:"person_id"`
	GivenName    string        `json:"given_name"`
	FamilyName   string        `json:"family_name"`
	Affiliations []Affiliation `json:"affiliations"`
}

// Status distinguishes "the registry has no such person" from "the registry is
// broken" so callers cannot conflate the two.
type Status int

const (
	StatusFound Status = iota
	StatusNotFound
	StatusUnavailable
)

// Result is the outcome of a registry lookup
type Result struct {
	Status Status
	Person *Person
	// Err carries the cause when Status is StatusUnavailable; it wraps
	// ErrUnavailable
	Err error
}

// Config holds person registry client configuration
type Config struct {
	BaseURL string
	// OAuth2 client-credentials machine auth for outbound registry calls.
	// Left empty, the client calls the registry unauthenticated (dev setups).
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// Client is an HTTP client for the person registry
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observability.Metrics
}

// NewClient creates a person registry client. metrics may be nil.
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

// LookupByNationalID resolves a person and their raw affiliations by national
// identifier. A missing person is not an error: the login proceeds with an
// empty affiliation set.
func (c *Client) LookupByNationalID(ctx context.Context, nationalID string) Result {
	start := time.Now()
	result := c.lookup(ctx, nationalID)
	c.observe("person", result.Status, time.Since(start))
	return result
}

func (c *Client) lookup(ctx context.Context, nationalID string) Result {
	endpoint := fmt.Sprintf("%s/v1/persons?national_id=%s", c.baseURL, url.QueryEscape(nationalID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return unavailable(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return unavailable(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{Status: StatusNotFound}
	case resp.StatusCode != http.StatusOK:
		return unavailable(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var person Person
	if err := json.NewDecoder(resp.Body).Decode(&person); err != nil {
		return unavailable(fmt.Errorf("malformed response: %w", err))
	}
	if person.ID == "" {
		return unavailable(fmt.Errorf("response missing person_id"))
	}

	return Result{Status: StatusFound, Person: &person}
}

func (c *Client) observe(registry string, status Status, elapsed time.Duration) {
	if c.metrics == nil {
		return
	}
	outcome := "found"
	switch status {
	case StatusNotFound:
		outcome = "not_found"
	case StatusUnavailable:
		outcome = "unavailable"
	}
	c.metrics.RegistryRequestsTotal.WithLabelValues(registry, outcome).Inc()
	c.metrics.RegistryRequestDuration.WithLabelValues(registry).Observe(elapsed.Seconds())
}

func unavailable(cause error) Result {
	return Result{
		Status: StatusUnavailable,
		Err:    fmt.Errorf("%w: %v", ErrUnavailable, cause),
	}
}
