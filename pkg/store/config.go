package store

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds PostgreSQL connection and pool settings for the Internal Store.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// StaleClaimAfter bounds how long an Observation may sit IN_FLIGHT
	// before ReclaimStaleClaims reverts it to NEW.
	StaleClaimAfter time.Duration
}

// LoadConfigFromEnv loads store configuration from environment variables with
// production-ready defaults.
func LoadConfigFromEnv() (Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("SENTINEL_DB_PORT", "5432"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENTINEL_DB_PORT: %w", err)
	}

	maxOpen, _ := strconv.Atoi(getEnvOrDefault("SENTINEL_DB_MAX_OPEN_CONNS", "20"))
	maxIdle, _ := strconv.Atoi(getEnvOrDefault("SENTINEL_DB_MAX_IDLE_CONNS", "10"))

	maxLifetime, err := time.ParseDuration(getEnvOrDefault("SENTINEL_DB_CONN_MAX_LIFETIME", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENTINEL_DB_CONN_MAX_LIFETIME: %w", err)
	}
	maxIdleTime, err := time.ParseDuration(getEnvOrDefault("SENTINEL_DB_CONN_MAX_IDLE_TIME", "15m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENTINEL_DB_CONN_MAX_IDLE_TIME: %w", err)
	}
	staleClaimAfter, err := time.ParseDuration(getEnvOrDefault("SENTINEL_CLAIM_TIMEOUT", "5m"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid SENTINEL_CLAIM_TIMEOUT: %w", err)
	}

	cfg := Config{
		Host:            getEnvOrDefault("SENTINEL_DB_HOST", "localhost"),
		Port:            port,
		User:            getEnvOrDefault("SENTINEL_DB_USER", "sentinel"),
		Password:        os.Getenv("SENTINEL_DB_PASSWORD"),
		Database:        getEnvOrDefault("SENTINEL_DB_NAME", "sentinel"),
		SSLMode:         getEnvOrDefault("SENTINEL_DB_SSLMODE", "disable"),
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: maxLifetime,
		ConnMaxIdleTime: maxIdleTime,
		StaleClaimAfter: staleClaimAfter,
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks structural invariants of the configuration.
func (c Config) Validate() error {
	if c.Password == "" {
		return fmt.Errorf("SENTINEL_DB_PASSWORD is required")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("SENTINEL_DB_MAX_IDLE_CONNS (%d) cannot exceed SENTINEL_DB_MAX_OPEN_CONNS (%d)",
			c.MaxIdleConns, c.MaxOpenConns)
	}
	if c.MaxOpenConns < 1 {
		return fmt.Errorf("SENTINEL_DB_MAX_OPEN_CONNS must be at least 1")
	}
	if c.MaxIdleConns < 0 {
		return fmt.Errorf("SENTINEL_DB_MAX_IDLE_CONNS cannot be negative")
	}
	if c.StaleClaimAfter <= 0 {
		return fmt.Errorf("SENTINEL_CLAIM_TIMEOUT must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
