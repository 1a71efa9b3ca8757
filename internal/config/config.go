// Package config provides server configuration loaded from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const logPrefix = "config:LoadConfig"

// Config holds commandbus configuration.
type Config struct {
	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"commandbus"`
	// NodeID tags forwarded events so a node ignores its own echoes. Empty uses COMMSName plus a random suffix.
	NodeID string `envconfig:"NODE_ID"`

	// Gateway
	DispatchSubject string        `envconfig:"DISPATCH_SUBJECT" default:"commandbus.dispatch.v1"`
	QueueGroup      string        `envconfig:"DISPATCH_QUEUE_GROUP" default:"commandbus"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"25s"`
	DispatchRetries int           `envconfig:"DISPATCH_RETRIES" default:"0"`
	MaxConcurrent   int           `envconfig:"DISPATCH_MAX_CONCURRENT" default:"64"`

	// Message bus
	EventSubjectPrefix string `envconfig:"EVENT_SUBJECT_PREFIX" default:"commandbus.events"`
	BusRoutesFile      string `envconfig:"BUS_ROUTES_FILE"`
	BusQueueSize       int    `envconfig:"BUS_QUEUE_SIZE" default:"256"`
	BusDeliveryRetries int    `envconfig:"BUS_DELIVERY_RETRIES" default:"0"`

	// Database (optional for serve; enables the dispatch journal)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`
	DBMaxConns    int32  `envconfig:"DB_MAX_CONNS" default:"10"`

	// Redis (optional; required by redis routes)
	RedisURL           string `envconfig:"REDIS_URL"`
	RedisChannelPrefix string `envconfig:"REDIS_CHANNEL_PREFIX" default:"commandbus:events:"`

	// HTTP health endpoint (HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return &c, nil
}

// ValidateForServe checks required config when running the server.
func (c *Config) ValidateForServe() error {
	if c.COMMSURL == "" {
		return fmt.Errorf("%s - COMMS_URL is required for serve", logPrefix)
	}
	if c.DispatchSubject == "" {
		return fmt.Errorf("%s - DISPATCH_SUBJECT must not be empty", logPrefix)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("%s - REQUEST_TIMEOUT must be positive", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%s - SHUTDOWN_TIMEOUT must be positive", logPrefix)
	}
	if c.BusQueueSize <= 0 {
		return fmt.Errorf("%s - BUS_QUEUE_SIZE must be positive", logPrefix)
	}
	if c.BusDeliveryRetries < 0 || c.DispatchRetries < 0 {
		return fmt.Errorf("%s - retry counts must not be negative", logPrefix)
	}
	if c.RunMigrations && c.DatabaseURL == "" {
		return fmt.Errorf("%s - RUN_MIGRATIONS requires DATABASE_URL", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate, clear, ensure-db).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}

// HTTPListenAddr returns HTTPAddr, or ":<HTTPPort>" when unset.
func (c *Config) HTTPListenAddr() string {
	if c.HTTPAddr != "" {
		return c.HTTPAddr
	}
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// SlogLevel maps LogLevel to a slog level; unknown values are info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
