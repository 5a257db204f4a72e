package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the root configuration for the notifyhub server. It is
	// loaded once at startup, validated, and never mutated afterwards.
	Config struct {
		Port          int                 `yaml:"port"`
		Logger        LoggerConfig        `yaml:"logger"`
		Storage       StorageConfig       `yaml:"storage"`
		Transport     TransportConfig     `yaml:"transport"`
		Notifications NotificationsConfig `yaml:"notifications"`
		Auth          AuthConfig          `yaml:"auth"`
		Metrics       MetricsConfig       `yaml:"metrics"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level"`       // debug, info, warn, error
		Format     string `yaml:"format"`      // json, console
		Output     string `yaml:"output"`      // stdout, file
		FilePath   string `yaml:"file_path"`   // path to log file when output is file
		MaxSize    int    `yaml:"max_size"`    // max size of log file in MB
		MaxBackups int    `yaml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age"`     // max age of backup files in days
		Compress   bool   `yaml:"compress"`    // whether to compress backup files
		Color      bool   `yaml:"color"`       // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace"`  // whether to include stacktrace in error logs
	}

	// StorageConfig selects and configures the backing store for sessions,
	// subscriptions and delivery history.
	StorageConfig struct {
		Type     string         `yaml:"type"` // memory, db or redis
		Database DatabaseConfig `yaml:"database"`
		Redis    RedisConfig    `yaml:"redis"`
	}

	// DatabaseConfig configures the db storage type.
	DatabaseConfig struct {
		Driver string `yaml:"driver"` // sqlite, mysql or postgres
		DSN    string `yaml:"dsn"`
	}

	// RedisConfig configures the redis storage type.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	}

	// TransportConfig configures the outbound push transport.
	TransportConfig struct {
		Type    string        `yaml:"type"` // webhook, log or noop
		URL     string        `yaml:"url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	}

	// NotificationsConfig holds the fanout engine knobs.
	NotificationsConfig struct {
		MessageLengthLimit int           `yaml:"message_length_limit"` // bytes, serialized message
		SessionTTL         time.Duration `yaml:"session_ttl"`          // idle time before eviction
		CleanupInterval    time.Duration `yaml:"cleanup_interval"`     // sweep period
		CleanupCron        string        `yaml:"cleanup_cron"`         // optional 5-field cron expression, wins over interval
		HistoryPageSize    int           `yaml:"history_page_size"`    // max records returned by the history endpoint
	}

	// AuthConfig configures how the request pipeline resolves the calling
	// identity. Authentication itself is the pipeline's concern; we only
	// verify and read the claims.
	AuthConfig struct {
		JWTSecret string `yaml:"jwt_secret"`
	}

	// MetricsConfig configures the prometheus registry.
	MetricsConfig struct {
		Namespace string    `yaml:"namespace"`
		Buckets   []float64 `yaml:"buckets"`
	}
)

// Load reads the YAML configuration at path, expands ${ENV} placeholders,
// applies defaults and validates the result.
func Load(path string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied, suitable for
// running without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.Database.Driver == "" {
		c.Storage.Database.Driver = "sqlite"
	}
	if c.Storage.Database.DSN == "" {
		c.Storage.Database.DSN = "notifyhub.db"
	}
	if c.Transport.Type == "" {
		c.Transport.Type = "log"
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 10 * time.Second
	}
	if c.Notifications.MessageLengthLimit == 0 {
		c.Notifications.MessageLengthLimit = 10 * 1024
	}
	if c.Notifications.SessionTTL == 0 {
		c.Notifications.SessionTTL = 24 * time.Hour
	}
	if c.Notifications.CleanupInterval == 0 {
		c.Notifications.CleanupInterval = 24 * time.Hour
	}
	if c.Notifications.HistoryPageSize == 0 {
		c.Notifications.HistoryPageSize = 100
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "notifyhub"
	}
}

// Validate fails fast on configuration the engine cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	switch c.Storage.Type {
	case "memory":
	case "db":
		switch c.Storage.Database.Driver {
		case "sqlite", "mysql", "postgres":
		default:
			return fmt.Errorf("unsupported database driver: %s", c.Storage.Database.Driver)
		}
		if c.Storage.Database.DSN == "" {
			return fmt.Errorf("storage.database.dsn is required for db storage")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", c.Storage.Type)
	}
	switch c.Transport.Type {
	case "log", "noop":
	case "webhook":
		if c.Transport.URL == "" {
			return fmt.Errorf("transport.url is required for webhook transport")
		}
	default:
		return fmt.Errorf("unsupported transport type: %s", c.Transport.Type)
	}
	if c.Notifications.MessageLengthLimit <= 0 {
		return fmt.Errorf("notifications.message_length_limit must be positive")
	}
	if c.Notifications.SessionTTL <= 0 {
		return fmt.Errorf("notifications.session_ttl must be positive")
	}
	if c.Notifications.CleanupInterval <= 0 {
		return fmt.Errorf("notifications.cleanup_interval must be positive")
	}
	return nil
}
