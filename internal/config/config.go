// Package config loads and validates the server configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the UGOITE_ prefix (e.g.,
// UGOITE_STORE_BACKEND overrides store.backend in the YAML), so the same
// binary runs with a config.yaml in local development and with pure
// environment variables in containerized deployments.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the server address in host:port format.
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig selects and configures the space store backend.
type StoreConfig struct {
	// Backend is "local" or "postgres".
	Backend  string              `mapstructure:"backend"`
	Local    LocalStoreConfig    `mapstructure:"local"`
	Postgres PostgresStoreConfig `mapstructure:"postgres"`
}

// LocalStoreConfig holds filesystem store configuration.
type LocalStoreConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// PostgresStoreConfig holds PostgreSQL store configuration.
type PostgresStoreConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *PostgresStoreConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// AuthConfig holds credential configuration. The JSON and comma-list
// fields are parsed eagerly into typed credential records at startup so
// malformed entries fail the boot, not a request.
type AuthConfig struct {
	// BearerTokensJSON maps static bearer tokens to identity records.
	BearerTokensJSON string `mapstructure:"bearer_tokens_json"`
	// APIKeysJSON maps API keys to identity records.
	APIKeysJSON string `mapstructure:"api_keys_json"`
	// APIKeys is a comma-separated key:user_id list of service principals.
	APIKeys string `mapstructure:"api_keys"`
	// BearerSecrets is a comma-separated kid:secret list for signed tokens.
	BearerSecrets string `mapstructure:"bearer_secrets"`
	// ActiveKeyIDs / RevokedKeyIDs are comma-separated kid sets.
	ActiveKeyIDs  string `mapstructure:"active_key_ids"`
	RevokedKeyIDs string `mapstructure:"revoked_key_ids"`
	// BootstrapToken, when set, is installed verbatim for the bootstrap
	// user instead of a random token.
	BootstrapToken  string `mapstructure:"bootstrap_token"`
	BootstrapUserID string `mapstructure:"bootstrap_user_id"`
	// DefaultUserRole / DefaultServiceRole seed role resolution.
	DefaultUserRole    string `mapstructure:"default_user_role"`
	DefaultServiceRole string `mapstructure:"default_service_role"`
	// UserGroupsJSON maps space id → user id → group list.
	UserGroupsJSON string `mapstructure:"user_groups_json"`
}

// AuditConfig holds audit log configuration.
type AuditConfig struct {
	// RetentionMaxEvents is clamped to [100, 100000].
	RetentionMaxEvents int                  `mapstructure:"retention_max_events"`
	Shippers           []AuditShipperConfig `mapstructure:"shippers"`
}

// AuditShipperConfig holds configuration for a single audit shipper.
type AuditShipperConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"` // file, webhook
	File    struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"file"`
	Webhook struct {
		URL     string            `mapstructure:"url"`
		Headers map[string]string `mapstructure:"headers"`
	} `mapstructure:"webhook"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// RateLimitingConfig holds rate limiting configuration. RedisURL, when
// set, switches the limiter from per-process token buckets to a shared
// Redis-backed limiter.
type RateLimitingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
	Burst             int    `mapstructure:"burst"`
	RedisURL          string `mapstructure:"redis_url"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration.
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

const (
	// MinAuditRetention and MaxAuditRetention bound
	// audit.retention_max_events.
	MinAuditRetention = 100
	MaxAuditRetention = 100_000
)

// Loader reads the configuration and can watch the backing file for
// changes.
type Loader struct {
	v  *viper.Viper
	mu sync.Mutex
}

// NewLoader prepares a Loader for the given config file path; an empty
// path searches the usual locations.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/ugoite")
	}

	v.SetEnvPrefix("UGOITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load reads, unmarshals, and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables.
	}
	if err := bindEnvVars(l.v); err != nil {
		return nil, err
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields.
	cfg.Store.Postgres.Password = os.ExpandEnv(cfg.Store.Postgres.Password)
	cfg.Auth.BootstrapToken = os.ExpandEnv(cfg.Auth.BootstrapToken)
	cfg.Auth.BearerSecrets = os.ExpandEnv(cfg.Auth.BearerSecrets)

	cfg.clampAuditRetention()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Watch re-reads the config file whenever it changes and hands every
// successfully validated snapshot to onChange. Invalid snapshots are
// logged and dropped so a half-written file never takes the server down.
func (l *Loader) Watch(logger *slog.Logger, onChange func(*Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	l.v.OnConfigChange(func(e fsnotify.Event) {
		l.mu.Lock()
		cfg, err := l.unmarshal()
		l.mu.Unlock()
		if err != nil {
			logger.Error("config reload rejected", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv alone does not surface env-only keys through Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		"store.backend",
		"store.local.base_path",
		"store.postgres.host",
		"store.postgres.port",
		"store.postgres.name",
		"store.postgres.user",
		"store.postgres.password",
		"store.postgres.ssl_mode",
		"store.postgres.max_connections",
		"store.postgres.min_idle_connections",

		"auth.bearer_tokens_json",
		"auth.api_keys_json",
		"auth.api_keys",
		"auth.bearer_secrets",
		"auth.active_key_ids",
		"auth.revoked_key_ids",
		"auth.bootstrap_token",
		"auth.bootstrap_user_id",
		"auth.default_user_role",
		"auth.default_service_role",
		"auth.user_groups_json",

		"audit.retention_max_events",

		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",

		"logging.level",
		"logging.format",

		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("store.backend", "local")
	v.SetDefault("store.local.base_path", "./data")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.name", "ugoite")
	v.SetDefault("store.postgres.user", "ugoite")
	v.SetDefault("store.postgres.ssl_mode", "require")
	v.SetDefault("store.postgres.max_connections", 25)
	v.SetDefault("store.postgres.min_idle_connections", 5)

	v.SetDefault("auth.bootstrap_user_id", "bootstrap-user")
	v.SetDefault("auth.default_user_role", "editor")
	v.SetDefault("auth.default_service_role", "service")

	v.SetDefault("audit.retention_max_events", 5000)

	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 120)
	v.SetDefault("security.rate_limiting.burst", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

func (c *Config) clampAuditRetention() {
	if c.Audit.RetentionMaxEvents < MinAuditRetention {
		c.Audit.RetentionMaxEvents = MinAuditRetention
	}
	if c.Audit.RetentionMaxEvents > MaxAuditRetention {
		c.Audit.RetentionMaxEvents = MaxAuditRetention
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "local":
		if c.Store.Local.BasePath == "" {
			return fmt.Errorf("store.local.base_path is required when using the local backend")
		}
	case "postgres":
		if c.Store.Postgres.Host == "" {
			return fmt.Errorf("store.postgres.host is required when using the postgres backend")
		}
		if c.Store.Postgres.Name == "" {
			return fmt.Errorf("store.postgres.name is required when using the postgres backend")
		}
		if c.Store.Postgres.User == "" {
			return fmt.Errorf("store.postgres.user is required when using the postgres backend")
		}
	default:
		return fmt.Errorf("invalid store backend: %s (must be local or postgres)", c.Store.Backend)
	}

	switch c.Auth.DefaultUserRole {
	case "admin", "editor", "viewer":
	default:
		return fmt.Errorf("invalid auth.default_user_role: %s", c.Auth.DefaultUserRole)
	}
	if c.Auth.DefaultServiceRole != "service" {
		return fmt.Errorf("invalid auth.default_service_role: %s", c.Auth.DefaultServiceRole)
	}

	for i, shipper := range c.Audit.Shippers {
		if !shipper.Enabled {
			continue
		}
		switch shipper.Type {
		case "file":
			if shipper.File.Path == "" {
				return fmt.Errorf("audit.shippers[%d]: file path is required", i)
			}
		case "webhook":
			if shipper.Webhook.URL == "" {
				return fmt.Errorf("audit.shippers[%d]: webhook url is required", i)
			}
		default:
			return fmt.Errorf("audit.shippers[%d]: unknown type %q", i, shipper.Type)
		}
	}

	if c.Security.RateLimiting.Enabled {
		if c.Security.RateLimiting.RequestsPerMinute < 1 {
			return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive")
		}
		if c.Security.RateLimiting.Burst < 1 {
			return fmt.Errorf("security.rate_limiting.burst must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	return nil
}
