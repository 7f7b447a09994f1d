package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/campushub/tenantclaims/pkg/httputil"
	"github.com/campushub/tenantclaims/pkg/observability"
)

type clientIDKey struct{}

// TokenVerifier validates a raw bearer token and returns the caller's client id
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (string, error)
}

// OIDCVerifier verifies bearer tokens issued by the token platform to backend
// clients, via OIDC discovery.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier discovers the issuer and builds a verifier that requires the
// given audience on every token.
func NewOIDCVerifier(ctx context.Context, issuerURL, audience string) (*OIDCVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	return &OIDCVerifier{
		verifier: provider.Verifier(&oidc.Config{ClientID: audience}),
	}, nil
}

// Verify checks the token signature, expiry and audience
func (v *OIDCVerifier) Verify(ctx context.Context, rawToken string) (string, error) {
	token, err := v.verifier.Verify(ctx, rawToken)
	if err != nil {
		return "", fmt.Errorf("token verification failed: %w", err)
	}

	var claims struct {
		ClientID string `json:"client_id"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse token claims: %w", err)
	}
	if claims.ClientID != "" {
		return claims.ClientID, nil
	}
	return token.Subject, nil
}

// BearerAuth rejects requests without a valid bearer token. The verified
// client id is stored on the context for rate limiting and audit logging.
func BearerAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, ok := bearerToken(r)
			if !ok {
				httputil.WriteUnauthorized(w, "missing bearer token")
				return
			}

			clientID, err := verifier.Verify(r.Context(), rawToken)
			if err != nil {
				observability.FromContext(r.Context()).WithError(err).Warn("Rejected bearer token")
				httputil.WriteUnauthorized(w, "invalid bearer token")
				return
			}

			ctx := context.WithValue(r.Context(), clientIDKey{}, clientID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClientID returns the verified caller identity, or "" when auth is disabled
func ClientID(ctx context.Context) string {
	if clientID, ok := ctx.Value(clientIDKey{}).(string); ok {
		return clientID
	}
	return ""
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
