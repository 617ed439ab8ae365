// Package config loads and validates process configuration for the sync
// engine: server, database, cache, lock, encryption, the two external
// API clients, and the scheduler.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct, unmarshalled by viper from a
// YAML file, environment variables, or both.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Lock       LockConfig       `mapstructure:"lock"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Sor        SorConfig        `mapstructure:"sor"`
	Grid       GridConfig       `mapstructure:"grid"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	App        AppConfig        `mapstructure:"app"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig holds the admin/trigger HTTP surface settings.
type ServerConfig struct {
	Port                    int           `mapstructure:"port"`
	Host                    string        `mapstructure:"host"`
	ReadTimeout             time.Duration `mapstructure:"read_timeout"`
	WriteTimeout            time.Duration `mapstructure:"write_timeout"`
	IdleTimeout             time.Duration `mapstructure:"idle_timeout"`
	GracefulShutdownTimeout time.Duration `mapstructure:"graceful_shutdown_timeout"`
}

// DatabaseConfig holds the relational store connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	URL             string        `mapstructure:"url"`
}

// RedisConfig holds the optional second-tier cache connection settings,
// backing LinkedRecordResolver (spec §4.4).
type RedisConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig controls slog output and optional file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// CacheConfig tunes the LinkedRecordResolver's process-wide cache
// (spec §4.4: TTL default 5 minutes).
type CacheConfig struct {
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	MaxEntries    int           `mapstructure:"max_entries"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
}

// LockConfig tunes the per-syncConfigId advisory lock (spec §5/§9).
type LockConfig struct {
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// EncryptionConfig names the environment variable carrying the AES-256
// key used by EncryptionService (spec §6: ENCRYPTION_KEY).
type EncryptionConfig struct {
	KeyEnvVar string `mapstructure:"key_env_var"`
}

// SorConfig holds the SOR REST client's base URL, OAuth credentials, and
// rate-limit policy (spec §4.1, §6).
type SorConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	RedirectURI    string        `mapstructure:"redirect_uri"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// GridConfig holds the grid REST client's base URL and OAuth credentials
// (spec §4.1, §6).
type GridConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenURL       string        `mapstructure:"token_url"`
	ClientID       string        `mapstructure:"client_id"`
	ClientSecret   string        `mapstructure:"client_secret"`
	RedirectURI    string        `mapstructure:"redirect_uri"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// SchedulerConfig tunes the cron dispatcher (spec §4.8).
type SchedulerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	SingleFlightWindow  time.Duration `mapstructure:"single_flight_window"`
	RunBudget           time.Duration `mapstructure:"run_budget"`
}

// AppConfig holds process-level metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AuthConfig maps API keys to the userId they authenticate as, the seam
// internal/api/middleware.Auth reads through. Loaded from environment/
// config rather than a database table: spec §6's external interfaces are
// a small, operator-facing trigger surface, not a public multi-key API.
type AuthConfig struct {
	APIKeys map[string]string `mapstructure:"api_keys"`
}

// LoadConfig loads configuration from an optional YAML file, overlaid with
// environment variables (DATABASE_URL, SOR_*, GRID_* per spec §6 bind
// automatically via the "." → "_" key replacer below; every such key has a
// default in setDefaults, since viper.Unmarshal only reads env vars for keys
// it already knows). ENCRYPTION_KEY is not a viper key: Encryption.KeyEnvVar
// names the variable the caller reads the key from.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.idle_timeout", "120s")
	viper.SetDefault("server.graceful_shutdown_timeout", "30s")

	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "basesync")
	viper.SetDefault("database.username", "basesync")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.query_timeout", "30s")
	viper.SetDefault("database.url", "")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("cache.default_ttl", "5m")
	viper.SetDefault("cache.max_entries", 10000)
	viper.SetDefault("cache.enable_metrics", true)

	viper.SetDefault("lock.acquire_timeout", "5s")
	viper.SetDefault("lock.retry_interval", "100ms")

	viper.SetDefault("encryption.key_env_var", "ENCRYPTION_KEY")

	viper.SetDefault("sor.base_url", "")
	viper.SetDefault("sor.token_url", "")
	viper.SetDefault("sor.client_id", "")
	viper.SetDefault("sor.client_secret", "")
	viper.SetDefault("sor.redirect_uri", "")
	viper.SetDefault("sor.rate_limit_rps", 5.0)
	viper.SetDefault("sor.request_timeout", "30s")

	viper.SetDefault("grid.base_url", "")
	viper.SetDefault("grid.token_url", "")
	viper.SetDefault("grid.client_id", "")
	viper.SetDefault("grid.client_secret", "")
	viper.SetDefault("grid.redirect_uri", "")
	viper.SetDefault("grid.request_timeout", "30s")

	viper.SetDefault("scheduler.interval", "5m")
	viper.SetDefault("scheduler.single_flight_window", "5m")
	viper.SetDefault("scheduler.run_budget", "15m")

	viper.SetDefault("app.name", "basesync")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
}

// Validate checks invariants that, if violated, should prevent startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Database == "" && c.Database.URL == "" {
		return fmt.Errorf("database name or url must be set")
	}
	if c.Sor.RateLimitRPS <= 0 {
		return fmt.Errorf("sor.rate_limit_rps must be positive")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	return nil
}

// DatabaseURL constructs the pgx DSN from configuration, or returns the
// explicit URL override when set.
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		sslMode,
	)
}

// IsProduction reports whether the process is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}
