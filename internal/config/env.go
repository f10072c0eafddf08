package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	// If configDir is empty, use the default
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".opsdesk")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Default database and log paths live in the config directory
	defaultDBPath := filepath.Join(configDir, "opsdesk.db")
	defaultLogPath := filepath.Join(configDir, "opsdesk.log")

	// Use provided config file path or default
	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// Check if ENV_FILE_PATH is set to load from a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		err := godotenv.Load(envFilePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		err := godotenv.Load(configFilePath)
		if err != nil {
			// Then try current directory as fallback
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	cfg.Server = ServerConfig{
		URL:                 getEnvString("OPSDESK_SERVER_URL", "http://localhost:8090"),
		EventsURL:           getEnvString("OPSDESK_SERVER_EVENTS_URL", "ws://localhost:8090/api/events"),
		Token:               getEnvString("OPSDESK_SERVER_TOKEN", ""),
		Timeout:             getEnvDuration("OPSDESK_SERVER_TIMEOUT", 30*time.Second),
		MaxIdleConns:        getEnvInt("OPSDESK_SERVER_MAX_IDLE_CONNS", 100),
		MaxIdleConnsPerHost: getEnvInt("OPSDESK_SERVER_MAX_IDLE_CONNS_PER_HOST", 100),
		IdleConnTimeout:     getEnvDuration("OPSDESK_SERVER_IDLE_CONN_TIMEOUT", 90*time.Second),
	}

	cfg.Sync = SyncConfig{
		PollInterval:       getEnvDuration("OPSDESK_SYNC_POLL_INTERVAL", 30*time.Second),
		RefetchDebounce:    getEnvDuration("OPSDESK_SYNC_REFETCH_DEBOUNCE", 1500*time.Millisecond),
		MutationRefetch:    getEnvDuration("OPSDESK_SYNC_MUTATION_REFETCH", time.Second),
		RefetchPerSecond:   getEnvFloat("OPSDESK_SYNC_REFETCH_PER_SECOND", 1.0),
		RefetchBurst:       getEnvInt("OPSDESK_SYNC_REFETCH_BURST", 2),
		MaxRetries:         getEnvInt("OPSDESK_SYNC_MAX_RETRIES", 3),
		BaseDelay:          getEnvDuration("OPSDESK_SYNC_BASE_DELAY", time.Second),
		ExponentialBackoff: getEnvBool("OPSDESK_SYNC_EXPONENTIAL_BACKOFF", true),
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("OPSDESK_DB_PATH", defaultDBPath),
		JournalMode:     getEnvString("OPSDESK_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("OPSDESK_DB_SYNCHRONOUS", "NORMAL"),
		BusyTimeout:     getEnvInt("OPSDESK_DB_BUSY_TIMEOUT", 5000),
		CacheSize:       getEnvInt("OPSDESK_DB_CACHE_SIZE", -2000),
		ForeignKeys:     getEnvBool("OPSDESK_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("OPSDESK_DB_CONN_MAX_LIFE", time.Hour),
		QueryTimeout:    getEnvDuration("OPSDESK_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("OPSDESK_LOG_LEVEL", "info"),
		Format:     getEnvString("OPSDESK_LOG_FORMAT", "text"),
		Output:     getEnvString("OPSDESK_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("OPSDESK_LOG_ADD_SOURCE", false),
		TimeFormat: getEnvString("OPSDESK_LOG_TIME_FORMAT", time.RFC3339),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}
