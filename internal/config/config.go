package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Store drivers understood by LoadConfig.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverBolt     = "bolt"
	DriverMemory   = "memory"
)

// Config holds all environment configuration
type Config struct {
	Port                int
	StoreDriver         string
	DatabaseURL         string
	SQLitePath          string
	BoltPath            string
	IdleInterval        time.Duration
	BackoffMin          time.Duration
	BackoffMax          time.Duration
	DeliveryTimeout     time.Duration
	MaxAttempts         int
	SweepInterval       time.Duration
	LogLevel            string
	DBConnectionTimeout time.Duration
}

// helper: read env var as int seconds → convert to duration
func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	if value, exists := os.LookupEnv(name); exists {
		if i, err := strconv.Atoi(value); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	if value, exists := os.LookupEnv(name); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultVal
}

func getEnv(name, defaultVal string) string {
	if value, exists := os.LookupEnv(name); exists {
		return value
	}
	return defaultVal
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Port:                getEnvAsInt("PORT", 8080),
		StoreDriver:         getEnv("STORE_DRIVER", DriverPostgres),
		DatabaseURL:         getEnv("DATABASE_URL", ""),
		SQLitePath:          getEnv("SQLITE_PATH", "./pubsub.db"),
		BoltPath:            getEnv("BOLT_PATH", "./pubsub.bolt"),
		IdleInterval:        getEnvAsDuration("IDLE_INTERVAL", 1*time.Second),
		BackoffMin:          getEnvAsDuration("BACKOFF_MIN", 10*time.Second),
		BackoffMax:          getEnvAsDuration("BACKOFF_MAX", 20*time.Second),
		DeliveryTimeout:     getEnvAsDuration("DELIVERY_TIMEOUT", 5*time.Second),
		MaxAttempts:         getEnvAsInt("MAX_ATTEMPTS", 0),
		SweepInterval:       getEnvAsDuration("SWEEP_INTERVAL", 60*time.Second),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DBConnectionTimeout: getEnvAsDuration("DB_CONNECTION_TIMEOUT", 5*time.Second),
	}

	// Basic validation
	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required")
		}
	case DriverSQLite, DriverBolt, DriverMemory:
	default:
		return nil, fmt.Errorf("invalid STORE_DRIVER: %q", cfg.StoreDriver)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT: %d", cfg.Port)
	}
	if cfg.IdleInterval <= 0 {
		return nil, fmt.Errorf("invalid IDLE_INTERVAL: %s", cfg.IdleInterval)
	}
	if cfg.BackoffMin <= 0 || cfg.BackoffMax < cfg.BackoffMin {
		return nil, fmt.Errorf("invalid backoff range: [%s, %s]", cfg.BackoffMin, cfg.BackoffMax)
	}
	if cfg.MaxAttempts < 0 {
		return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %d", cfg.MaxAttempts)
	}
	if cfg.SweepInterval <= 0 {
		return nil, fmt.Errorf("invalid SWEEP_INTERVAL: %s", cfg.SweepInterval)
	}

	return cfg, nil
}
