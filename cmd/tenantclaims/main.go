package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/campushub/tenantclaims/pkg/api"
	"github.com/campushub/tenantclaims/pkg/claims"
	"github.com/campushub/tenantclaims/pkg/config"
	"github.com/campushub/tenantclaims/pkg/middleware"
	"github.com/campushub/tenantclaims/pkg/observability"
	"github.com/campushub/tenantclaims/pkg/orgreg"
	"github.com/campushub/tenantclaims/pkg/personreg"
	"github.com/campushub/tenantclaims/pkg/pipeline"
	"github.com/campushub/tenantclaims/pkg/tenants"
	"github.com/campushub/tenantclaims/pkg/users"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenantclaims: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Infof("Starting tenantclaims (pool %s)", cfg.Claims.PoolID)

	ctx := context.Background()

	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if metrics != nil {
		go reportDBStats(db, metrics)
	}

	if err := users.RunMigrations(ctx, db); err != nil {
		return err
	}
	if err := tenants.RunMigrations(ctx, db); err != nil {
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	overrides, err := claims.LoadNameOverrides(cfg.Claims.AttributeOverridesPath)
	if err != nil {
		return err
	}

	customerStore := tenants.NewPostgresStore(db)
	userStore := users.NewPostgresStore(db)

	orgClient := orgreg.NewClient(orgreg.Config{
		BaseURL:      cfg.OrgRegistry.BaseURL,
		TokenURL:     cfg.OrgRegistry.TokenURL,
		ClientID:     cfg.OrgRegistry.ClientID,
		ClientSecret: cfg.OrgRegistry.ClientSecret,
		Scopes:       cfg.OrgRegistry.Scopes,
		Timeout:      cfg.OrgRegistry.Timeout,
	}, metrics)
	personClient := personreg.NewClient(personreg.Config{
		BaseURL:      cfg.PersonRegistry.BaseURL,
		TokenURL:     cfg.PersonRegistry.TokenURL,
		ClientID:     cfg.PersonRegistry.ClientID,
		ClientSecret: cfg.PersonRegistry.ClientSecret,
		Scopes:       cfg.PersonRegistry.Scopes,
		Timeout:      cfg.PersonRegistry.Timeout,
	}, metrics)

	resolver := pipeline.New(
		personClient,
		orgClient,
		tenants.NewMatcher(customerStore),
		users.NewSynchronizer(userStore, orgClient, metrics),
		claims.NewAssembler(userStore),
		metrics,
	)

	var verifier middleware.TokenVerifier
	if cfg.Auth.Enabled {
		oidcVerifier, err := middleware.NewOIDCVerifier(ctx, cfg.Auth.IssuerURL, cfg.Auth.Audience)
		if err != nil {
			return err
		}
		verifier = oidcVerifier
	}

	var rateLimiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = middleware.NewRateLimiter(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window)
	}

	apiLogger := logrus.New()
	apiLogger.SetFormatter(&logrus.JSONFormatter{})

	server := api.NewServer(api.Options{
		Resolver:    resolver,
		Customers:   customerStore,
		Users:       userStore,
		Overrides:   overrides,
		Logger:      apiLogger,
		AppLogger:   logger,
		Metrics:     metrics,
		Verifier:    verifier,
		RateLimiter: rateLimiter,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := newHealthServer(cfg, db, redisClient, registry)

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(otelProviders.Shutdown)
	}

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		logger.Infof("Health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(shutdown.WaitForShutdown)

	return group.Wait()
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func reportDBStats(db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := db.Stats()
		metrics.DBConnectionsActive.Set(float64(stats.InUse))
		metrics.DBConnectionsIdle.Set(float64(stats.Idle))
	}
}

func newHealthServer(cfg *config.Config, db *sql.DB, redisClient *redis.Client, registry *prometheus.Registry) *http.Server {
	checker := observability.NewHealthChecker(db, redisClient)

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/health/live", checker.Liveness)
	healthMux.HandleFunc("/health/ready", checker.Readiness)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}

	return &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}
}
