package config

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allEnvVars = []string{
	"COMMS_URL", "SERVICE_NAME", "NODE_ID",
	"DISPATCH_SUBJECT", "DISPATCH_QUEUE_GROUP", "REQUEST_TIMEOUT", "DISPATCH_RETRIES", "DISPATCH_MAX_CONCURRENT",
	"EVENT_SUBJECT_PREFIX", "BUS_ROUTES_FILE", "BUS_QUEUE_SIZE", "BUS_DELIVERY_RETRIES",
	"DATABASE_URL", "RUN_MIGRATIONS", "MIGRATION_PATH", "DB_MAX_CONNS",
	"REDIS_URL", "REDIS_CHANNEL_PREFIX",
	"HTTP_ADDR", "HTTP_PORT", "HEALTH_CHECK_TIMEOUT", "SHUTDOWN_TIMEOUT", "LOG_LEVEL",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range allEnvVars {
		// t.Setenv restores the original value; envconfig only applies defaults to unset vars.
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "nats://127.0.0.1:4222", cfg.COMMSURL)
	assert.Equal(t, "commandbus", cfg.COMMSName)
	assert.Equal(t, "commandbus.dispatch.v1", cfg.DispatchSubject)
	assert.Equal(t, "commandbus", cfg.QueueGroup)
	assert.Equal(t, 25*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 64, cfg.MaxConcurrent)
	assert.Equal(t, "commandbus.events", cfg.EventSubjectPrefix)
	assert.Equal(t, 256, cfg.BusQueueSize)
	assert.Empty(t, cfg.DatabaseURL)
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, "migrations", cfg.MigrationPath)
	assert.Equal(t, int32(10), cfg.DBMaxConns)
	assert.Equal(t, "commandbus:events:", cfg.RedisChannelPrefix)
	assert.Equal(t, ":8080", cfg.HTTPListenAddr())
	assert.Equal(t, 5*time.Second, cfg.HealthCheckTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "info", cfg.LogLevel)

	assert.NoError(t, cfg.ValidateForServe(), "defaults should be servable")
	assert.Error(t, cfg.ValidateForDB(), "ValidateForDB should require DATABASE_URL")
}

func TestLoadConfig_EnvironmentOverrides(t *testing.T) {
	clearEnv(t)
	overrides := map[string]string{
		"COMMS_URL":               "nats://custom:4222",
		"SERVICE_NAME":            "test-server",
		"NODE_ID":                 "node-a",
		"DISPATCH_SUBJECT":        "custom.dispatch",
		"REQUEST_TIMEOUT":         "10s",
		"DISPATCH_MAX_CONCURRENT": "8",
		"BUS_QUEUE_SIZE":          "16",
		"BUS_DELIVERY_RETRIES":    "2",
		"DATABASE_URL":            "postgres://test@localhost/test",
		"RUN_MIGRATIONS":          "true",
		"DB_MAX_CONNS":            "4",
		"REDIS_URL":               "redis://localhost:6379/0",
		"HTTP_ADDR":               "127.0.0.1:9090",
		"LOG_LEVEL":               "debug",
	}
	for key, val := range overrides {
		t.Setenv(key, val)
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "nats://custom:4222", cfg.COMMSURL)
	assert.Equal(t, "test-server", cfg.COMMSName)
	assert.Equal(t, "node-a", cfg.NodeID)
	assert.Equal(t, "custom.dispatch", cfg.DispatchSubject)
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, 16, cfg.BusQueueSize)
	assert.Equal(t, 2, cfg.BusDeliveryRetries)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "postgres://test@localhost/test", cfg.DatabaseURL)
	assert.Equal(t, int32(4), cfg.DBMaxConns)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "127.0.0.1:9090", cfg.HTTPListenAddr())
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.NoError(t, cfg.ValidateForServe())
}

func TestLoadConfig_InvalidDuration(t *testing.T) {
	clearEnv(t)
	t.Setenv("REQUEST_TIMEOUT", "soon")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidateForServe(t *testing.T) {
	valid := func() *Config {
		return &Config{
			COMMSURL:           "nats://127.0.0.1:4222",
			DispatchSubject:    "d",
			RequestTimeout:     time.Second,
			HealthCheckTimeout: time.Second,
			ShutdownTimeout:    time.Second,
			BusQueueSize:       1,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"no comms url", func(c *Config) { c.COMMSURL = "" }},
		{"no subject", func(c *Config) { c.DispatchSubject = "" }},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"zero health timeout", func(c *Config) { c.HealthCheckTimeout = 0 }},
		{"zero shutdown timeout", func(c *Config) { c.ShutdownTimeout = 0 }},
		{"zero queue", func(c *Config) { c.BusQueueSize = 0 }},
		{"negative retries", func(c *Config) { c.BusDeliveryRetries = -1 }},
		{"migrations without db", func(c *Config) { c.RunMigrations = true }},
	}

	require.NoError(t, valid().ValidateForServe(), "baseline should validate")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			assert.Error(t, c.ValidateForServe())
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
	}
	for level, want := range tests {
		c := &Config{LogLevel: level}
		assert.Equal(t, want, c.SlogLevel(), level)
	}
}
