package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration.
type Config struct {
	ListenHost       string
	ListenPort       int
	SessionTimeout   time.Duration
	OfflineThreshold time.Duration
	SweepInterval    time.Duration
	InformInterval   time.Duration
	DatabaseURL      string
	LogLevel         string
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenHost:       getEnv("LISTEN_HOST", "0.0.0.0"),
		ListenPort:       getEnvAsInt("LISTEN_PORT", 8080),
		SessionTimeout:   time.Duration(getEnvAsInt("SESSION_TIMEOUT", 30)) * time.Second,
		OfflineThreshold: time.Duration(getEnvAsInt("OFFLINE_THRESHOLD", 600)) * time.Second,
		SweepInterval:    time.Duration(getEnvAsInt("SWEEP_INTERVAL", 60)) * time.Second,
		InformInterval:   time.Duration(getEnvAsInt("INFORM_INTERVAL", 300)) * time.Second,
		DatabaseURL:      getEnv("DATABASE_URL", "sqlite:///tr069_acs.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}
}

// ListenAddr returns the host:port pair for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

// DatabasePath resolves the DATABASE_URL into a SQLite file path.
// Only the sqlite driver is supported; store selection for other
// backends lives outside this server.
func (c *Config) DatabasePath() (string, error) {
	url := c.DatabaseURL
	switch {
	case strings.HasPrefix(url, "sqlite:///"):
		return strings.TrimPrefix(url, "sqlite:///"), nil
	case strings.HasPrefix(url, "sqlite://"):
		return strings.TrimPrefix(url, "sqlite://"), nil
	case strings.Contains(url, "://"):
		return "", fmt.Errorf("unsupported database URL %q", url)
	default:
		// Bare path, e.g. DATABASE_URL=./data/acs.db
		return url, nil
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
