package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/campushub/tenantclaims/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration (customer and user stores)
	Database DatabaseConfig

	// Redis configuration (rate limiting, readiness probe)
	Redis RedisConfig

	// External registries
	PersonRegistry RegistryConfig
	OrgRegistry    RegistryConfig

	// Auth configuration for backend-initiated calls
	Auth AuthConfig

	// Rate limiting on the login hook
	RateLimit RateLimitConfig

	// Claims configuration
	Claims ClaimsConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL      string
	Password string
	DB       int
}

// RegistryConfig holds an external registry endpoint and its outbound
// client-credentials auth
type RegistryConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// AuthConfig holds OIDC verification settings for backend-initiated calls
type AuthConfig struct {
	Enabled   bool
	IssuerURL string
	// Audience the presented bearer token must carry
	Audience string
}

// RateLimitConfig holds distributed rate limiting settings for the login hook
type RateLimitConfig struct {
	Enabled bool
	// Requests allowed per client per window
	Limit  int
	Window time.Duration
}

// ClaimsConfig holds claim rendering settings
type ClaimsConfig struct {
	// PoolID is the identity pool this deployment serves
	PoolID string
	// AttributeOverridesPath optionally remaps outbound attribute names
	AttributeOverridesPath string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("TENANTCLAIMS_HOST", "0.0.0.0"),
			Port:            getEnv("TENANTCLAIMS_PORT", "8080"),
			ReadTimeout:     getEnvDuration("TENANTCLAIMS_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("TENANTCLAIMS_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("TENANTCLAIMS_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("TENANTCLAIMS_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("TENANTCLAIMS_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:          getEnv("TENANTCLAIMS_POSTGRES_URL", ""),
			MaxOpenConns: getEnvInt("TENANTCLAIMS_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns: getEnvInt("TENANTCLAIMS_POSTGRES_IDLE_CONNS", 5),
			ConnLifetime: getEnvDuration("TENANTCLAIMS_POSTGRES_CONN_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:      getEnv("TENANTCLAIMS_REDIS_URL", ""),
			Password: getEnv("TENANTCLAIMS_REDIS_PASSWORD", ""),
			DB:       getEnvInt("TENANTCLAIMS_REDIS_DB", 0),
		},
		PersonRegistry: RegistryConfig{
			BaseURL:      getEnv("TENANTCLAIMS_PERSON_REGISTRY_URL", ""),
			TokenURL:     getEnv("TENANTCLAIMS_PERSON_REGISTRY_TOKEN_URL", ""),
			ClientID:     getEnv("TENANTCLAIMS_PERSON_REGISTRY_CLIENT_ID", ""),
			ClientSecret: getEnv("TENANTCLAIMS_PERSON_REGISTRY_CLIENT_SECRET", ""),
			Scopes:       getEnvList("TENANTCLAIMS_PERSON_REGISTRY_SCOPES"),
			Timeout:      getEnvDuration("TENANTCLAIMS_PERSON_REGISTRY_TIMEOUT", 10*time.Second),
		},
		OrgRegistry: RegistryConfig{
			BaseURL:      getEnv("TENANTCLAIMS_ORG_REGISTRY_URL", ""),
			TokenURL:     getEnv("TENANTCLAIMS_ORG_REGISTRY_TOKEN_URL", ""),
			ClientID:     getEnv("TENANTCLAIMS_ORG_REGISTRY_CLIENT_ID", ""),
			ClientSecret: getEnv("TENANTCLAIMS_ORG_REGISTRY_CLIENT_SECRET", ""),
			Scopes:       getEnvList("TENANTCLAIMS_ORG_REGISTRY_SCOPES"),
			Timeout:      getEnvDuration("TENANTCLAIMS_ORG_REGISTRY_TIMEOUT", 10*time.Second),
		},
		Auth: AuthConfig{
			Enabled:   getEnvBool("TENANTCLAIMS_AUTH_ENABLED", false),
			IssuerURL: getEnv("TENANTCLAIMS_AUTH_ISSUER_URL", ""),
			Audience:  getEnv("TENANTCLAIMS_AUTH_AUDIENCE", "tenantclaims"),
		},
		RateLimit: RateLimitConfig{
			Enabled: getEnvBool("TENANTCLAIMS_RATELIMIT_ENABLED", false),
			Limit:   getEnvInt("TENANTCLAIMS_RATELIMIT_LIMIT", 100),
			Window:  getEnvDuration("TENANTCLAIMS_RATELIMIT_WINDOW", time.Minute),
		},
		Claims: ClaimsConfig{
			PoolID:                 getEnv("TENANTCLAIMS_POOL_ID", "default"),
			AttributeOverridesPath: getEnv("TENANTCLAIMS_ATTRIBUTE_OVERRIDES", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:           parseLogLevel(getEnv("TENANTCLAIMS_LOG_LEVEL", "info")),
			MetricsEnabled:     getEnvBool("TENANTCLAIMS_METRICS_ENABLED", true),
			OTelEnabled:        getEnvBool("TENANTCLAIMS_OTEL_ENABLED", false),
			OTelEndpoint:       getEnv("TENANTCLAIMS_OTEL_ENDPOINT", "localhost:4317"),
			OTelServiceName:    getEnv("TENANTCLAIMS_OTEL_SERVICE_NAME", "tenantclaims"),
			OTelServiceVersion: getEnv("TENANTCLAIMS_OTEL_SERVICE_VERSION", "1.0.0"),
			OTelInsecure:       getEnvBool("TENANTCLAIMS_OTEL_INSECURE", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.PersonRegistry.BaseURL == "" {
		return fmt.Errorf("person registry URL is required")
	}
	if c.OrgRegistry.BaseURL == "" {
		return fmt.Errorf("organization registry URL is required")
	}

	if c.Auth.Enabled && c.Auth.IssuerURL == "" {
		return fmt.Errorf("auth issuer URL is required when auth is enabled")
	}
	if c.RateLimit.Enabled {
		if c.Redis.URL == "" {
			return fmt.Errorf("redis URL is required when rate limiting is enabled")
		}
		if c.RateLimit.Limit <= 0 {
			return fmt.Errorf("rate limit must be positive")
		}
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList returns a comma-separated environment variable as a slice
func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
