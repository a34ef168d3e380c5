package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shiftlane/shiftlane/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration (permission snapshot fast path)
	Redis RedisConfig

	// Authorization engine configuration
	Authz AuthzConfig

	// Entitlement enforcement configuration
	Entitlements EntitlementsConfig

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
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int

	// Enabled toggles the Redis snapshot fast path. When disabled the
	// resolver falls straight through to the Postgres snapshot rows.
	Enabled bool
}

// AuthzConfig holds permission engine configuration
type AuthzConfig struct {
	// CatalogPath is the YAML file defining the role rank order and
	// role-default permissions.
	CatalogPath string

	// WatchCatalog reloads the catalog file on change.
	WatchCatalog bool

	// SnapshotTTL bounds how stale a permission snapshot may be before
	// the resolver ignores it and falls back to the membership join.
	SnapshotTTL time.Duration

	// RefreshSchedule is a cron expression for the full snapshot sweep.
	RefreshSchedule string
}

// EntitlementsConfig holds quota enforcement configuration
type EntitlementsConfig struct {
	// UnlimitedOverride short-circuits numeric quota checks process-wide
	// (internal deployments). Feature flags are still enforced.
	UnlimitedOverride bool

	// PlanCacheSize is the LRU size for plan definitions.
	PlanCacheSize int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Authz:         loadAuthzConfig(),
		Entitlements:  loadEntitlementsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SHIFTLANE_HOST", "0.0.0.0"),
		Port:            getEnv("SHIFTLANE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SHIFTLANE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SHIFTLANE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SHIFTLANE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHIFTLANE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("SHIFTLANE_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("SHIFTLANE_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("SHIFTLANE_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("SHIFTLANE_POSTGRES_IDLE_CONNS", 5),
		ConnLifetime: getEnvDuration("SHIFTLANE_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("SHIFTLANE_REDIS_URL", "redis://localhost:6379/0"),
		Password:   getEnv("SHIFTLANE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("SHIFTLANE_REDIS_DB", -1),
		MaxRetries: getEnvInt("SHIFTLANE_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("SHIFTLANE_REDIS_POOL_SIZE", 10),
		Enabled:    getEnvBool("SHIFTLANE_REDIS_ENABLED", true),
	}
}

// loadAuthzConfig loads authorization engine configuration from environment
func loadAuthzConfig() AuthzConfig {
	return AuthzConfig{
		CatalogPath:     getEnv("SHIFTLANE_CATALOG_PATH", "config/permissions.yaml"),
		WatchCatalog:    getEnvBool("SHIFTLANE_CATALOG_WATCH", true),
		SnapshotTTL:     getEnvDuration("SHIFTLANE_SNAPSHOT_TTL", 5*time.Minute),
		RefreshSchedule: getEnv("SHIFTLANE_SNAPSHOT_REFRESH_SCHEDULE", "@every 10m"),
	}
}

// loadEntitlementsConfig loads quota enforcement configuration from environment
func loadEntitlementsConfig() EntitlementsConfig {
	return EntitlementsConfig{
		UnlimitedOverride: getEnvBool("SHIFTLANE_UNLIMITED_OVERRIDE", false),
		PlanCacheSize:     getEnvInt("SHIFTLANE_PLAN_CACHE_SIZE", 64),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("SHIFTLANE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("SHIFTLANE_METRICS_ENABLED", true),
	}
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

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when the snapshot fast path is enabled")
	}

	if c.Authz.CatalogPath == "" {
		return fmt.Errorf("permission catalog path is required")
	}
	if c.Authz.SnapshotTTL <= 0 {
		return fmt.Errorf("snapshot TTL must be positive")
	}

	if c.Entitlements.PlanCacheSize <= 0 {
		return fmt.Errorf("plan cache size must be positive")
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
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
