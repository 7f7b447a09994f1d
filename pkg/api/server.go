// Package api exposes the claims-resolution pipeline over HTTP: the login
// hook called by the token platform and the customer-selection side channel.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/campushub/tenantclaims/pkg/middleware"
	"github.com/campushub/tenantclaims/pkg/observability"
	"github.com/campushub/tenantclaims/pkg/tenants"
	"github.com/campushub/tenantclaims/pkg/users"
)

// Options wires the server's collaborators. Verifier and RateLimiter are
// optional; nil disables the corresponding middleware.
type Options struct {
	Resolver  ClaimsResolver
	Customers tenants.Store
	Users     users.Store

	// Overrides remaps outbound attribute names (claims.LoadNameOverrides)
	Overrides map[string]string

	Logger    *logrus.Logger
	AppLogger *observability.Logger
	Metrics   *observability.Metrics

	Verifier    middleware.TokenVerifier
	RateLimiter *middleware.RateLimiter
}

// Server is the HTTP surface of the service
type Server struct {
	router *mux.Router
}

// NewServer builds the router with its middleware chain and routes
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	router := mux.NewRouter()
	router.Use(middleware.RequestID(opts.AppLogger))
	if opts.Metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(opts.Metrics))
	}
	if opts.Verifier != nil {
		router.Use(middleware.BearerAuth(opts.Verifier))
	}
	if opts.RateLimiter != nil {
		router.Use(opts.RateLimiter.Handler)
	}

	NewLoginHandlers(opts.Resolver, opts.Overrides, opts.Logger).RegisterRoutes(router)
	NewSessionHandlers(opts.Customers, opts.Users, opts.Logger).RegisterRoutes(router)

	return &Server{router: router}
}

// Router returns the configured handler
func (s *Server) Router() http.Handler {
	return s.router
}
