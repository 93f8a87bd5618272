package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bashSunny101/VulnServer/internal/correlation"
)

// Config holds the analyzer service configuration
type Config struct {
	HTTPAddr     string `json:"http_addr"`
	NATSURL      string `json:"nats_url"`
	NATSEnabled  bool   `json:"nats_enabled"`
	EventSubject string `json:"event_subject"`
	QueueGroup   string `json:"queue_group"`
	PostgresDSN  string `json:"-"`
	LogLevel     string `json:"log_level"`

	// Policy files; empty means the built-in defaults
	CatalogFile       string `json:"catalog_file"`
	ScoringPolicyFile string `json:"scoring_policy_file"`
	CorrelationFile   string `json:"correlation_file"`

	// Correlation overrides; nil leaves the policy value in place
	PageSize               *int     `json:"page_size,omitempty"`
	PersistenceThreshold   *int     `json:"persistence_threshold,omitempty"`
	AutomationVariance     *float64 `json:"automation_variance,omitempty"`
	CoordinatedIPThreshold *int     `json:"coordinated_ip_threshold,omitempty"`

	// Alerting
	AlertWindow time.Duration `json:"alert_window"`
	DedupeSize  int           `json:"dedupe_size"`
	MaxAlerts   int           `json:"max_alerts"`

	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:     getEnv("ANALYZER_HTTP_ADDR", ":8080"),
		NATSURL:      getEnv("ANALYZER_NATS_URL", "nats://localhost:4222"),
		NATSEnabled:  getBoolEnv("ANALYZER_NATS_ENABLED", true),
		EventSubject: getEnv("ANALYZER_EVENT_SUBJECT", "events.honeypot"),
		QueueGroup:   getEnv("ANALYZER_QUEUE_GROUP", "analyzer"),
		PostgresDSN:  getEnv("ANALYZER_POSTGRES_DSN", ""),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		CatalogFile:       getEnv("ANALYZER_CATALOG_FILE", ""),
		ScoringPolicyFile: getEnv("ANALYZER_SCORING_POLICY_FILE", ""),
		CorrelationFile:   getEnv("ANALYZER_CORRELATION_FILE", ""),

		PageSize:               lookupIntEnv("ANALYZER_PAGE_SIZE"),
		PersistenceThreshold:   lookupIntEnv("ANALYZER_PERSISTENCE_THRESHOLD"),
		AutomationVariance:     lookupFloat64Env("ANALYZER_AUTOMATION_VARIANCE"),
		CoordinatedIPThreshold: lookupIntEnv("ANALYZER_COORDINATED_IP_THRESHOLD"),

		AlertWindow: getDurationEnv("ANALYZER_ALERT_WINDOW", 5*time.Minute),
		DedupeSize:  getIntEnv("ANALYZER_DEDUPE_SIZE", 10000),
		MaxAlerts:   getIntEnv("ANALYZER_MAX_ALERTS", 10000),

		ShutdownTimeout: getDurationEnv("ANALYZER_SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("http_addr cannot be empty")
	}
	if c.NATSEnabled && c.NATSURL == "" {
		return fmt.Errorf("nats_url cannot be empty")
	}
	if c.PageSize != nil && *c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if c.PersistenceThreshold != nil && *c.PersistenceThreshold < 0 {
		return fmt.Errorf("persistence_threshold must not be negative")
	}
	if c.AutomationVariance != nil && *c.AutomationVariance < 0 {
		return fmt.Errorf("automation_variance must not be negative")
	}
	if c.CoordinatedIPThreshold != nil && *c.CoordinatedIPThreshold < 0 {
		return fmt.Errorf("coordinated_ip_threshold must not be negative")
	}
	if c.AlertWindow <= 0 {
		return fmt.Errorf("alert_window must be positive")
	}
	if c.DedupeSize <= 0 {
		return fmt.Errorf("dedupe_size must be positive")
	}
	if c.MaxAlerts <= 0 {
		return fmt.Errorf("max_alerts must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// UsePostgres reports whether events are persisted in PostgreSQL
func (c *Config) UsePostgres() bool {
	return c.PostgresDSN != ""
}

// ApplyThresholds overlays every override that was set, zero included, on base
func (c *Config) ApplyThresholds(base correlation.Thresholds) correlation.Thresholds {
	if c.PageSize != nil {
		base.PageSize = *c.PageSize
	}
	if c.PersistenceThreshold != nil {
		base.PersistenceThreshold = *c.PersistenceThreshold
	}
	if c.AutomationVariance != nil {
		base.AutomationVariance = *c.AutomationVariance
	}
	if c.CoordinatedIPThreshold != nil {
		base.CoordinatedIPThreshold = *c.CoordinatedIPThreshold
	}
	return base
}

// SlogLevel returns the configured log level, defaulting to info
func (c *Config) SlogLevel() slog.Level {
	level, err := ParseLogLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLogLevel converts a level name into a slog.Level
func ParseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// lookupIntEnv returns the integer value of key, or nil when it is unset
// or not a number
func lookupIntEnv(key string) *int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	intValue, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return nil
	}
	return &intValue
}

// lookupFloat64Env returns the float64 value of key, or nil when it is
// unset or not a number
func lookupFloat64Env(key string) *float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	floatValue, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return nil
	}
	return &floatValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getDurationEnv accepts Go duration strings ("90s", "5m") or plain seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
