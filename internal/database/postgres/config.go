package postgres

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// PostgresConfig configures the pgxpool-backed connection pool. It is
// distinct from internal/config.DatabaseConfig: that struct is the
// viper-bound application config, this one is the pool's own view,
// constructed from it by cmd/server's postgresConfigFrom.
type PostgresConfig struct {
	Host              string        `yaml:"host" env:"DB_HOST"`
	Port              int           `yaml:"port" env:"DB_PORT"`
	Database          string        `yaml:"database" env:"DB_NAME"`
	User              string        `yaml:"user" env:"DB_USER"`
	Password          string        `yaml:"password" env:"DB_PASSWORD"`
	SSLMode           string        `yaml:"ssl_mode" env:"DB_SSL_MODE"`
	MaxConns          int32         `yaml:"max_conns" env:"DB_MAX_CONNS"`
	MinConns          int32         `yaml:"min_conns" env:"DB_MIN_CONNS"`
	MaxConnLifetime   time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime   time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckPeriod time.Duration `yaml:"health_check_period"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns pool settings sized for a single sync-engine
// instance talking to one Postgres database.
func DefaultConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:              "localhost",
		Port:              5432,
		Database:          "basesync",
		User:              "basesync",
		SSLMode:           "disable",
		MaxConns:          10,
		MinConns:          2,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
		ConnectTimeout:    10 * time.Second,
	}
}

// LoadFromEnv overlays DB_* environment variables onto DefaultConfig.
func LoadFromEnv() *PostgresConfig {
	cfg := DefaultConfig()

	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		cfg.SSLMode = v
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("DB_MIN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinConns = int32(n)
		}
	}

	return cfg
}

// Validate checks the config for obviously broken values before a
// connection attempt is made.
func (c *PostgresConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive, got %d", c.MaxConns)
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("min_conns must be between 0 and max_conns, got %d", c.MinConns)
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("max_conn_lifetime must be positive")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("max_conn_idle_time must be positive")
	}
	validSSLModes := map[string]bool{
		"disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[c.SSLMode] {
		return fmt.Errorf("invalid ssl_mode: %s", c.SSLMode)
	}
	return nil
}

// ConnectionString builds a key=value DSN, the format pgxpool.ParseConfig
// also accepts.
func (c *PostgresConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode,
	)
}

// DSN builds a postgres:// URL, pgx's other accepted DSN shape.
func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}
