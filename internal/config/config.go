// Package config loads settings from defaults, an optional YAML file, a
// .env file and CUSTODY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/erazemk/custody/internal/db"
)

// Config keys.
const (
	KeyDatabaseDriver = "database.driver"
	KeyDatabaseDSN    = "database.dsn"
	KeyServerAddr     = "server.addr"
	KeyServerMetrics  = "server.metrics"
	KeyLogFile        = "log.file"
	KeyRedisURL       = "redis.url"
	KeyIdempotencyTTL = "idempotency.ttl"
	KeyAdminUser      = "auth.admin_user"
)

const envPrefix = "CUSTODY"

// Config is the resolved application configuration.
type Config struct {
	Database struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"database"`

	Server struct {
		Addr    string `mapstructure:"addr"`
		Metrics bool   `mapstructure:"metrics"`
	} `mapstructure:"server"`

	Log struct {
		File string `mapstructure:"file"`
	} `mapstructure:"log"`

	Redis struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"redis"`

	Idempotency struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"idempotency"`

	Auth struct {
		AdminUser string `mapstructure:"admin_user"`
	} `mapstructure:"auth"`
}

// New returns a viper instance with defaults and environment binding set up.
// Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyDatabaseDriver, db.DriverSQLite)
	v.SetDefault(KeyDatabaseDSN, "custody.sqlite3")
	v.SetDefault(KeyServerAddr, ":8080")
	v.SetDefault(KeyServerMetrics, true)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyRedisURL, "")
	v.SetDefault(KeyIdempotencyTTL, 24*time.Hour)
	v.SetDefault(KeyAdminUser, "Admin")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads envFile (if it exists) into the process environment without
// overriding variables already set, then the YAML configFile. An empty
// configFile searches for custody.yaml in the working directory; a missing
// file is not an error in that case.
func Load(v *viper.Viper, configFile, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("custody")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case db.DriverSQLite, db.DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Idempotency.TTL <= 0 {
		return fmt.Errorf("idempotency ttl must be positive, got %s", c.Idempotency.TTL)
	}
	return nil
}
