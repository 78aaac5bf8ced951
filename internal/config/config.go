// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage backend names.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64

	// Storage settings. Backend defaults to sqlite; setting DATABASE_URL
	// selects postgres.
	Backend     string
	SQLitePath  string
	DatabaseURL string

	// Derived-state thresholds.
	OfflineWindow  time.Duration
	StuckThreshold time.Duration

	// Alerting.
	AlertCooldown time.Duration
	DispatchQueue int

	// Live stream.
	HubQueueSize int

	// Ingestion rate limit, per tenant. RateLimitRPS <= 0 disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Bootstrap seeding for first run: when both are set, the tenant and a
	// read-write-live API key with this exact value are created if absent.
	BootstrapTenantID string
	BootstrapKey      string

	// Operational settings. KeyCacheTTL <= 0 disables the resolved-key cache
	// (every request then pays a full Argon2id verification).
	KeyCacheTTL time.Duration
	LogLevel    string
}

// Load reads configuration from environment variables with sensible defaults.
// Invalid values are collected and reported together.
func Load() (Config, error) {
	var errs []error

	port, err := envInt("HIVEBOARD_PORT", 8080)
	if err != nil {
		errs = append(errs, err)
	}
	readTimeout, err := envDuration("HIVEBOARD_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	writeTimeout, err := envDuration("HIVEBOARD_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	maxBody, err := envInt("HIVEBOARD_MAX_REQUEST_BODY_BYTES", 2*1024*1024)
	if err != nil {
		errs = append(errs, err)
	}
	offlineWindow, err := envDuration("HIVEBOARD_OFFLINE_WINDOW", 5*time.Minute)
	if err != nil {
		errs = append(errs, err)
	}
	stuckThreshold, err := envDuration("HIVEBOARD_STUCK_THRESHOLD", 10*time.Minute)
	if err != nil {
		errs = append(errs, err)
	}
	alertCooldown, err := envDuration("HIVEBOARD_ALERT_COOLDOWN", 15*time.Minute)
	if err != nil {
		errs = append(errs, err)
	}
	dispatchQueue, err := envInt("HIVEBOARD_DISPATCH_QUEUE", 128)
	if err != nil {
		errs = append(errs, err)
	}
	hubQueue, err := envInt("HIVEBOARD_HUB_QUEUE", 256)
	if err != nil {
		errs = append(errs, err)
	}
	keyCacheTTL, err := envDuration("HIVEBOARD_KEY_CACHE_TTL", 30*time.Second)
	if err != nil {
		errs = append(errs, err)
	}
	rateLimitRPS, err := envFloat("HIVEBOARD_RATELIMIT_RPS", 0)
	if err != nil {
		errs = append(errs, err)
	}
	rateLimitBurst, err := envInt("HIVEBOARD_RATELIMIT_BURST", 100)
	if err != nil {
		errs = append(errs, err)
	}
	otelInsecure, err := envBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	if err != nil {
		errs = append(errs, err)
	}

	cfg := Config{
		Port:                port,
		ReadTimeout:         readTimeout,
		WriteTimeout:        writeTimeout,
		MaxRequestBodyBytes: int64(maxBody),
		SQLitePath:          envStr("HIVEBOARD_SQLITE_PATH", "hiveboard.db"),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		OfflineWindow:       offlineWindow,
		StuckThreshold:      stuckThreshold,
		AlertCooldown:       alertCooldown,
		DispatchQueue:       dispatchQueue,
		HubQueueSize:        hubQueue,
		RateLimitRPS:        rateLimitRPS,
		RateLimitBurst:      rateLimitBurst,
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "hiveboard"),
		OTELInsecure:        otelInsecure,
		BootstrapTenantID:   envStr("HIVEBOARD_BOOTSTRAP_TENANT_ID", ""),
		BootstrapKey:        envStr("HIVEBOARD_BOOTSTRAP_KEY", ""),
		KeyCacheTTL:         keyCacheTTL,
		LogLevel:            envStr("HIVEBOARD_LOG_LEVEL", "info"),
	}

	defaultBackend := BackendSQLite
	if cfg.DatabaseURL != "" {
		defaultBackend = BackendPostgres
	}
	cfg.Backend = envStr("HIVEBOARD_STORAGE", defaultBackend)

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: HIVEBOARD_SQLITE_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Backend)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: HIVEBOARD_PORT %d out of range", c.Port)
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: HIVEBOARD_MAX_REQUEST_BODY_BYTES must be positive")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("config: HIVEBOARD_RATELIMIT_BURST must be positive when rate limiting is enabled")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid number", key, v)
	}
	return f, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
