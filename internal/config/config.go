// Package config manages reefd configuration.
//
// Configuration comes from two sources: a .env file in the data directory
// (deployment overrides, service tokens) and environment variables, which
// always take precedence. Workers read their intervals from here once at
// startup; the watcher reloads tokens and log level at runtime.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults and accepted ranges for worker intervals.
const (
	DefaultSchedulerInterval = 30 * time.Second
	MinSchedulerInterval     = 5 * time.Second
	MaxSchedulerInterval     = 3600 * time.Second

	DefaultPollerRefreshInterval = 300 * time.Second
	DefaultAlertInterval         = 30 * time.Second

	DefaultRetentionDays = 90
	MinCleanupDays       = 1
	MaxCleanupDays       = 365
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	BackendHost string
	BackendPort int
	MetricsPort int
	DataPath    string

	// Store
	DatabasePath string

	// Worker intervals
	SchedulerInterval     time.Duration
	PollerRefreshInterval time.Duration
	AlertInterval         time.Duration
	RetentionDays         int

	// Security
	APIToken     string
	ServiceToken string
	DisableAuth  bool

	// CORS origins; ["*"] permitted in dev
	AllowedOrigins []string

	// Logging
	LogLevel  string
	LogFormat string
	LogFile   string

	// mu guards the runtime-reloadable fields (tokens, log level). Everything
	// else is set once at Load and read without locking.
	mu sync.RWMutex
}

// Tokens returns the current API and service tokens. They are runtime
// reloadable, so callers must read them per use rather than cache them.
func (c *Config) Tokens() (apiToken, serviceToken string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.APIToken, c.ServiceToken
}

// SetTokens replaces the bearer tokens. An empty value keeps the current one.
func (c *Config) SetTokens(apiToken, serviceToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if apiToken != "" {
		c.APIToken = apiToken
	}
	if serviceToken != "" {
		c.ServiceToken = serviceToken
	}
}

// RuntimeLogLevel returns the current log level.
func (c *Config) RuntimeLogLevel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.LogLevel
}

// SetLogLevel replaces the log level. An empty value keeps the current one.
func (c *Config) SetLogLevel(level string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if level != "" {
		c.LogLevel = level
	}
}

// Load reads configuration from the .env file (if present) and environment
// variables, applying defaults and validating ranges.
func Load() (*Config, error) {
	dataDir := "/var/lib/reefd"
	if dir := os.Getenv("REEFD_DATA_DIR"); dir != "" {
		dataDir = dir
	}

	// Load .env for deployment overrides; env vars still win.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file")
		}
	}
	// Current directory fallback for development.
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		BackendHost:           "0.0.0.0",
		BackendPort:           7080,
		MetricsPort:           9092,
		DataPath:              dataDir,
		DatabasePath:          filepath.Join(dataDir, "reefd.db"),
		SchedulerInterval:     DefaultSchedulerInterval,
		PollerRefreshInterval: DefaultPollerRefreshInterval,
		AlertInterval:         DefaultAlertInterval,
		RetentionDays:         DefaultRetentionDays,
		LogLevel:              "info",
		LogFormat:             "auto",
	}

	if host := os.Getenv("BACKEND_HOST"); host != "" {
		cfg.BackendHost = host
	}
	if port := os.Getenv("BACKEND_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.BackendPort = p
		} else {
			log.Warn().Str("value", port).Msg("Invalid BACKEND_PORT, using default")
		}
	}
	if port := os.Getenv("METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.MetricsPort = p
		}
	}
	if path := os.Getenv("DATABASE_PATH"); path != "" {
		cfg.DatabasePath = path
	}

	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.SchedulerInterval = time.Duration(secs) * time.Second
			log.Info().Int("seconds", secs).Msg("Scheduler interval overridden by SCHEDULER_INTERVAL env var")
		}
	}
	if v := os.Getenv("POLLER_REFRESH_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.PollerRefreshInterval = time.Duration(secs) * time.Second
			log.Info().Int("seconds", secs).Msg("Poller refresh interval overridden by POLLER_REFRESH_INTERVAL env var")
		}
	}
	if v := os.Getenv("ALERT_INTERVAL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.AlertInterval = time.Duration(secs) * time.Second
			log.Info().Int("seconds", secs).Msg("Alert interval overridden by ALERT_INTERVAL env var")
		}
	}
	if v := os.Getenv("HISTORY_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = days
			log.Info().Int("days", days).Msg("Reading retention overridden by HISTORY_RETENTION_DAYS env var")
		}
	}

	if token := os.Getenv("API_TOKEN"); token != "" {
		cfg.APIToken = token
	}
	if token := os.Getenv("SERVICE_TOKEN"); token != "" {
		cfg.ServiceToken = token
	}
	if disable := os.Getenv("DISABLE_AUTH"); disable == "true" || disable == "1" {
		cfg.DisableAuth = true
		log.Warn().Msg("AUTHENTICATION DISABLED - reefd is running without authentication")
	}

	if origins := os.Getenv("ALLOWED_HOSTS"); origins != "" {
		parsed, err := parseOrigins(origins)
		if err != nil {
			return nil, fmt.Errorf("invalid ALLOWED_HOSTS: %w", err)
		}
		cfg.AllowedOrigins = parsed
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.LogFormat = format
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.LogFile = file
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// parseOrigins accepts a JSON array of origins, e.g. ["https://reef.local","*"].
func parseOrigins(raw string) ([]string, error) {
	var origins []string
	if err := json.Unmarshal([]byte(raw), &origins); err != nil {
		return nil, fmt.Errorf("expected JSON array of origins: %w", err)
	}
	return origins, nil
}

// Validate checks ranges on the loaded configuration.
func (c *Config) Validate() error {
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("invalid backend port: %d", c.BackendPort)
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.SchedulerInterval < MinSchedulerInterval || c.SchedulerInterval > MaxSchedulerInterval {
		return fmt.Errorf("scheduler interval must be between %s and %s, got %s",
			MinSchedulerInterval, MaxSchedulerInterval, c.SchedulerInterval)
	}
	if c.PollerRefreshInterval < time.Second {
		return fmt.Errorf("poller refresh interval must be at least 1 second")
	}
	if c.AlertInterval < time.Second {
		return fmt.Errorf("alert interval must be at least 1 second")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention must be at least 1 day, got %d", c.RetentionDays)
	}
	return nil
}
