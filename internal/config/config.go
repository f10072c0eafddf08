// Package config provides configuration handling for the opsdesk client
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// Global configuration instance
	globalConfig *Config
	configMutex  sync.RWMutex
)

// Get returns the global configuration instance
// If the configuration has not been initialized, it will return an error
func Get() (*Config, error) {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if globalConfig == nil {
		return nil, fmt.Errorf("configuration not initialized")
	}

	return globalConfig, nil
}

// Set sets the global configuration instance
func Set(cfg *Config) {
	configMutex.Lock()
	defer configMutex.Unlock()

	globalConfig = cfg
}

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig
	Sync      SyncConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	configDir string // Internal: Directory where config was loaded from
}

// ServerConfig represents the remote store and push-event endpoints
type ServerConfig struct {
	URL                 string        // Base URL of the row store API
	EventsURL           string        // WebSocket URL of the change feed
	Token               string        // Bearer token for API calls
	Timeout             time.Duration // Request timeout
	MaxIdleConns        int           // Maximum number of idle connections
	MaxIdleConnsPerHost int           // Maximum number of idle connections per host
	IdleConnTimeout     time.Duration // How long to keep idle connections alive
}

// SyncConfig represents reconciliation and retry behaviour
type SyncConfig struct {
	PollInterval       time.Duration // Fallback full-refetch interval while healthy
	RefetchDebounce    time.Duration // Delay before the post-event convergence refetch
	MutationRefetch    time.Duration // Delay before the post-mutation authoritative refetch
	RefetchPerSecond   float64       // Rate limit for full refetches per collection
	RefetchBurst       int           // Burst allowance for the refetch limiter
	MaxRetries         int           // Default retry bound for network operations
	BaseDelay          time.Duration // Delay before the first retry attempt
	ExponentialBackoff bool          // Double the delay on each attempt
}

// DatabaseConfig represents the local SQLite database used for the audit log
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// New returns a new empty Config
func New() *Config {
	return &Config{
		Server:   ServerConfig{},
		Sync:     SyncConfig{},
		Database: DatabaseConfig{},
		Logging:  LoggingConfig{},
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateSync(); err != nil {
		return fmt.Errorf("sync config: %w", err)
	}

	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateServer() error {
	if c.Server.URL == "" {
		return fmt.Errorf("url cannot be empty")
	}

	if c.Server.EventsURL == "" {
		return fmt.Errorf("events_url cannot be empty")
	}

	if c.Server.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	return nil
}

func (c *Config) validateSync() error {
	if c.Sync.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	if c.Sync.RefetchDebounce <= 0 {
		return fmt.Errorf("refetch_debounce must be positive")
	}

	if c.Sync.MutationRefetch <= 0 {
		return fmt.Errorf("mutation_refetch must be positive")
	}

	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}

	if c.Sync.BaseDelay <= 0 {
		return fmt.Errorf("base_delay must be positive")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("busy_timeout cannot be negative")
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	switch level {
	case "debug", "info", "warn", "error", "none":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvFloat returns a float64 from the environment variable
func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
