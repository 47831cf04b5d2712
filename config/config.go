// Package config loads service configuration from defaults, an optional YAML
// file, a .env file and LOYALTY_* environment variables, in increasing order
// of precedence. Command-line flags are applied on top by cmd/loyalty.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "LOYALTY"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	// Server
	Port           string   `mapstructure:"port"`
	Env            string   `mapstructure:"env"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// Store
	StoreDriver  string        `mapstructure:"store_driver"`
	DatabaseURL  string        `mapstructure:"database_url"`
	SQLitePath   string        `mapstructure:"sqlite_path"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`

	// Redis (optional): catalog cache and event publishing
	RedisURL string `mapstructure:"redis_url"`

	// Catalog
	CatalogTTL  time.Duration `mapstructure:"catalog_ttl"`
	CatalogFile string        `mapstructure:"catalog_file"`

	// Expiration
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	SweepEnabled    bool          `mapstructure:"sweep_enabled"`
	RetentionMonths int           `mapstructure:"retention_months"`
	PerAccountCap   int64         `mapstructure:"per_account_cap"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("env", "development")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("store_driver", DriverSQLite)
	v.SetDefault("database_url", "")
	v.SetDefault("sqlite_path", "loyalty.db")
	v.SetDefault("query_timeout", 5*time.Second)

	v.SetDefault("redis_url", "")

	v.SetDefault("catalog_ttl", 30*time.Second)
	v.SetDefault("catalog_file", "")

	v.SetDefault("sweep_interval", 24*time.Hour)
	v.SetDefault("sweep_enabled", false)
	v.SetDefault("retention_months", 12)
	v.SetDefault("per_account_cap", 0)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
}

// Load reads configuration. file may be empty.
func Load(file string) (*Config, error) {
	// .env is a development convenience; its absence is normal
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("config: sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: database_url is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown store_driver %q", c.StoreDriver)
	}
	if c.RetentionMonths <= 0 {
		return fmt.Errorf("config: retention_months must be positive")
	}
	if c.PerAccountCap < 0 {
		return fmt.Errorf("config: per_account_cap must not be negative")
	}
	if c.SweepEnabled && c.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive when sweeps are enabled")
	}
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// Cap returns the per-account sweep cap, nil when unlimited.
func (c *Config) Cap() *int64 {
	if c.PerAccountCap <= 0 {
		return nil
	}
	n := c.PerAccountCap
	return &n
}
