package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverMemory)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverMemory, cfg.StoreDriver)
	assert.Equal(t, time.Second, cfg.IdleInterval)
	assert.Equal(t, 10*time.Second, cfg.BackoffMin)
	assert.Equal(t, 20*time.Second, cfg.BackoffMax)
	assert.Equal(t, 5*time.Second, cfg.DeliveryTimeout)
	assert.Zero(t, cfg.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_DRIVER", DriverSQLite)
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("IDLE_INTERVAL", "2")
	t.Setenv("BACKOFF_MIN", "3")
	t.Setenv("BACKOFF_MAX", "4")
	t.Setenv("MAX_ATTEMPTS", "7")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, "/tmp/x.db", cfg.SQLitePath)
	assert.Equal(t, 2*time.Second, cfg.IdleInterval)
	assert.Equal(t, 3*time.Second, cfg.BackoffMin)
	assert.Equal(t, 4*time.Second, cfg.BackoffMax)
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadConfigIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverMemory)
	t.Setenv("PORT", "eighty")
	t.Setenv("IDLE_INTERVAL", "soon")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, time.Second, cfg.IdleInterval)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres needs url", map[string]string{"STORE_DRIVER": DriverPostgres}, "DATABASE_URL is required"},
		{"unknown driver", map[string]string{"STORE_DRIVER": "redis"}, "invalid STORE_DRIVER"},
		{"bad port", map[string]string{"STORE_DRIVER": DriverMemory, "PORT": "70000"}, "invalid PORT"},
		{"zero idle", map[string]string{"STORE_DRIVER": DriverMemory, "IDLE_INTERVAL": "0"}, "invalid IDLE_INTERVAL"},
		{"inverted backoff", map[string]string{"STORE_DRIVER": DriverMemory, "BACKOFF_MIN": "20", "BACKOFF_MAX": "10"}, "invalid backoff range"},
		{"negative attempts", map[string]string{"STORE_DRIVER": DriverMemory, "MAX_ATTEMPTS": "-1"}, "invalid MAX_ATTEMPTS"},
		{"zero sweep", map[string]string{"STORE_DRIVER": DriverMemory, "SWEEP_INTERVAL": "0"}, "invalid SWEEP_INTERVAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
