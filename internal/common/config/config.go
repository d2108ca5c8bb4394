// Package config provides configuration management for Stagecraft.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Stagecraft.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Bus          BusConfig          `mapstructure:"bus"`
	KV           KVConfig           `mapstructure:"kv"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Webhook      WebhookConfig      `mapstructure:"webhook"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ReadTimeout     int    `mapstructure:"readTimeout"`     // in seconds
	WriteTimeout    int    `mapstructure:"writeTimeout"`    // in seconds
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds, per shutdown phase
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "postgres" for production, "sqlite" for
// single-node development and tests.
type DatabaseConfig struct {
	Driver     string `mapstructure:"driver"`
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	DBName     string `mapstructure:"dbName"`
	SSLMode    string `mapstructure:"sslMode"`
	MaxConns   int    `mapstructure:"maxConns"`
	MinConns   int    `mapstructure:"minConns"`
	SQLitePath string `mapstructure:"sqlitePath"`
}

// BusConfig holds message-bus configuration.
// Provider selects the backend: "nats" (JetStream) or "memory" for
// single-process development and tests.
type BusConfig struct {
	Provider      string `mapstructure:"provider"`
	URL           string `mapstructure:"url"`
	Name          string `mapstructure:"name"`
	Namespace     string `mapstructure:"namespace"`     // topic prefix, default "orchestrator"
	MaxReconnects int    `mapstructure:"maxReconnects"`
	MaxDeliver    int    `mapstructure:"maxDeliver"`    // deliveries before DLQ routing
	AckWaitMs     int    `mapstructure:"ackWaitMs"`     // visibility timeout
	PublishBuffer int    `mapstructure:"publishBuffer"` // bounded async publish queue
}

// KVConfig holds key-value store configuration.
// Provider selects the backend: "redis" or "memory".
type KVConfig struct {
	Provider  string `mapstructure:"provider"`
	URL       string `mapstructure:"url"`
	Namespace string `mapstructure:"namespace"` // key prefix
}

// OrchestratorConfig holds orchestration-core tuning.
type OrchestratorConfig struct {
	ConsumerGroup      string `mapstructure:"consumerGroup"`
	ConsumerID         string `mapstructure:"consumerId"` // defaults to hostname
	ResultWorkers      int    `mapstructure:"resultWorkers"`
	DefaultTimeoutMs   int    `mapstructure:"defaultTimeoutMs"`
	DefaultMaxRetries  int    `mapstructure:"defaultMaxRetries"`
	CASRetries         int    `mapstructure:"casRetries"`
	CASBackoffMs       int    `mapstructure:"casBackoffMs"`
	DedupTTLHours      int    `mapstructure:"dedupTtlHours"`
	LockTTLSeconds     int    `mapstructure:"lockTtlSeconds"`
	HeartbeatTimeoutMs int    `mapstructure:"heartbeatTimeoutMs"` // agent offline threshold
}

// WebhookConfig holds inbound webhook surface configuration.
type WebhookConfig struct {
	GitHubSecret string `mapstructure:"githubSecret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the per-phase shutdown deadline as a time.Duration.
func (s *ServerConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(s.ShutdownTimeout) * time.Second
}

// AckWait returns the bus visibility timeout as a time.Duration.
func (b *BusConfig) AckWait() time.Duration {
	return time.Duration(b.AckWaitMs) * time.Millisecond
}

// DefaultTimeout returns the per-task default deadline as a time.Duration.
func (o *OrchestratorConfig) DefaultTimeout() time.Duration {
	return time.Duration(o.DefaultTimeoutMs) * time.Millisecond
}

// CASBackoff returns the base CAS retry backoff as a time.Duration.
func (o *OrchestratorConfig) CASBackoff() time.Duration {
	return time.Duration(o.CASBackoffMs) * time.Millisecond
}

// DedupTTL returns the idempotency-record TTL as a time.Duration.
func (o *OrchestratorConfig) DedupTTL() time.Duration {
	return time.Duration(o.DedupTTLHours) * time.Hour
}

// LockTTL returns the distributed-lock TTL as a time.Duration.
func (o *OrchestratorConfig) LockTTL() time.Duration {
	return time.Duration(o.LockTTLSeconds) * time.Second
}

// HeartbeatTimeout returns the agent offline threshold as a time.Duration.
func (o *OrchestratorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(o.HeartbeatTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat picks json for cluster and production environments
// and the readable console format for terminals.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("STAGECRAFT_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
// Connection strings deliberately have no defaults: selecting the nats,
// redis, or postgres backend without a URL is a configuration error.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownTimeout", 10)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)
	v.SetDefault("database.sqlitePath", "stagecraft.db")

	// Bus defaults
	v.SetDefault("bus.provider", "nats")
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.name", "stagecraft")
	v.SetDefault("bus.namespace", "orchestrator")
	v.SetDefault("bus.maxReconnects", -1) // retry forever
	v.SetDefault("bus.maxDeliver", 5)
	v.SetDefault("bus.ackWaitMs", 30000)
	v.SetDefault("bus.publishBuffer", 10000)

	// KV defaults
	v.SetDefault("kv.provider", "redis")
	v.SetDefault("kv.url", "")
	v.SetDefault("kv.namespace", "stagecraft")

	// Orchestrator defaults
	v.SetDefault("orchestrator.consumerGroup", "orchestrator-group")
	v.SetDefault("orchestrator.consumerId", "")
	v.SetDefault("orchestrator.resultWorkers", 4)
	v.SetDefault("orchestrator.defaultTimeoutMs", 300000)
	v.SetDefault("orchestrator.defaultMaxRetries", 3)
	v.SetDefault("orchestrator.casRetries", 5)
	v.SetDefault("orchestrator.casBackoffMs", 50)
	v.SetDefault("orchestrator.dedupTtlHours", 48)
	v.SetDefault("orchestrator.lockTtlSeconds", 30)
	v.SetDefault("orchestrator.heartbeatTimeoutMs", 90000)

	// Webhook defaults
	v.SetDefault("webhook.githubSecret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix STAGECRAFT_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/stagecraft/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("STAGECRAFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys).
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.shutdownTimeout", "STAGECRAFT_SERVER_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("database.dbName", "STAGECRAFT_DATABASE_DB_NAME")
	_ = v.BindEnv("database.sqlitePath", "STAGECRAFT_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("bus.maxDeliver", "STAGECRAFT_BUS_MAX_DELIVER")
	_ = v.BindEnv("bus.ackWaitMs", "STAGECRAFT_BUS_ACK_WAIT_MS")
	_ = v.BindEnv("bus.publishBuffer", "STAGECRAFT_BUS_PUBLISH_BUFFER")
	_ = v.BindEnv("orchestrator.consumerGroup", "STAGECRAFT_ORCHESTRATOR_CONSUMER_GROUP")
	_ = v.BindEnv("orchestrator.consumerId", "STAGECRAFT_ORCHESTRATOR_CONSUMER_ID")
	_ = v.BindEnv("orchestrator.resultWorkers", "STAGECRAFT_ORCHESTRATOR_RESULT_WORKERS")
	_ = v.BindEnv("orchestrator.defaultTimeoutMs", "STAGECRAFT_ORCHESTRATOR_DEFAULT_TIMEOUT_MS")
	_ = v.BindEnv("orchestrator.defaultMaxRetries", "STAGECRAFT_ORCHESTRATOR_DEFAULT_MAX_RETRIES")
	_ = v.BindEnv("webhook.githubSecret", "STAGECRAFT_WEBHOOK_GITHUB_SECRET")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/stagecraft/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// Backend selection is explicit: memory/sqlite are valid development choices,
// but nats/redis/postgres require their connection strings.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
	case "sqlite":
		if cfg.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlitePath is required for the sqlite driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: postgres, sqlite")
	}

	// Bus validation
	switch cfg.Bus.Provider {
	case "nats":
		if cfg.Bus.URL == "" {
			errs = append(errs, "bus.url is required for the nats provider")
		}
	case "memory":
		// nothing to validate
	default:
		errs = append(errs, "bus.provider must be one of: nats, memory")
	}
	if cfg.Bus.MaxDeliver <= 0 {
		errs = append(errs, "bus.maxDeliver must be positive")
	}
	if cfg.Bus.Namespace == "" {
		errs = append(errs, "bus.namespace is required")
	}

	// KV validation
	switch cfg.KV.Provider {
	case "redis":
		if cfg.KV.URL == "" {
			errs = append(errs, "kv.url is required for the redis provider")
		}
	case "memory":
		// nothing to validate
	default:
		errs = append(errs, "kv.provider must be one of: redis, memory")
	}

	// Orchestrator validation
	if cfg.Orchestrator.ConsumerGroup == "" {
		errs = append(errs, "orchestrator.consumerGroup is required")
	}
	if cfg.Orchestrator.ResultWorkers <= 0 {
		errs = append(errs, "orchestrator.resultWorkers must be positive")
	}
	if cfg.Orchestrator.DefaultTimeoutMs <= 0 {
		errs = append(errs, "orchestrator.defaultTimeoutMs must be positive")
	}
	if cfg.Orchestrator.ConsumerID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Orchestrator.ConsumerID = host
		} else {
			cfg.Orchestrator.ConsumerID = "stagecraft"
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
