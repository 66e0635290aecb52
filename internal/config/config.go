// Package config loads the daemon configuration from YAML.
package config

import (
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/500Foods/Philement-sub001/internal/dbengine"
	"github.com/500Foods/Philement-sub001/internal/dbmigrate"
	"github.com/500Foods/Philement-sub001/internal/errs"
	"github.com/500Foods/Philement-sub001/internal/logger"
)

// Config is the root configuration document.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Manager    ManagerConfig    `yaml:"manager"`
	Migrations MigrationsConfig `yaml:"migrations"`
	Databases  []DatabaseConfig `yaml:"databases"`
}

// LoggingConfig mirrors the logger knobs that make sense in a file.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	TimeFormat string `yaml:"time_format"`
}

// LoggerConfig converts to the logger package's config, applying defaults
// for unset fields.
func (l LoggingConfig) LoggerConfig() *logger.Config {
	cfg := logger.DefaultConfig()
	if l.Level != "" {
		cfg.Level = l.Level
	}
	if l.Format != "" {
		cfg.Format = l.Format
	}
	if l.TimeFormat != "" {
		cfg.TimeFormat = l.TimeFormat
	}
	return cfg
}

// ServerConfig configures the admin HTTP listener.
type ServerConfig struct {
	Address string `yaml:"address"`
}

// ManagerConfig bounds the queue manager.
type ManagerConfig struct {
	MaxDatabases int `yaml:"max_databases"`
}

// MigrationsConfig selects where migration files come from. Source is
// "dir", "minio", or empty to disable migrations.
type MigrationsConfig struct {
	Source string                 `yaml:"source"`
	Dir    string                 `yaml:"dir"`
	MinIO  dbmigrate.ObjectConfig `yaml:"minio"`
}

// TierConfig says whether a tier gets a dedicated worker at startup.
type TierConfig struct {
	Start bool `yaml:"start"`
}

// DatabaseConfig describes one logical database and its queue topology.
type DatabaseConfig struct {
	Name             string `yaml:"name"`
	Engine           string `yaml:"engine"`
	ConnectionString string `yaml:"connection_string"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	Database         string `yaml:"database"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	TimeoutSeconds   int    `yaml:"timeout_seconds"`

	BootstrapQuery   string `yaml:"bootstrap_query"`
	HeartbeatSeconds int    `yaml:"heartbeat_seconds"`

	Queues struct {
		Slow   TierConfig `yaml:"slow"`
		Medium TierConfig `yaml:"medium"`
		Fast   TierConfig `yaml:"fast"`
		Cache  TierConfig `yaml:"cache"`
	} `yaml:"queues"`
}

// HeartbeatInterval returns the configured interval or zero for default.
func (d *DatabaseConfig) HeartbeatInterval() time.Duration {
	if d.HeartbeatSeconds <= 0 {
		return 0
	}
	return time.Duration(d.HeartbeatSeconds) * time.Second
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Server:  ServerConfig{Address: ":8080"},
		Manager: ManagerConfig{MaxDatabases: 16},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrKindNotFound, "read config file")
	}
	return Parse(data)
}

// Parse decodes and validates YAML configuration bytes. Missing fields take
// defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errs.Wrap(err, errs.ErrKindInvalidInput, "parse config")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Manager.MaxDatabases <= 0 {
		c.Manager.MaxDatabases = 16
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if len(c.Databases) > c.Manager.MaxDatabases {
		return errs.Newf(errs.ErrKindCapacity, "%d databases configured, manager capacity is %d",
			len(c.Databases), c.Manager.MaxDatabases)
	}

	seen := make(map[string]bool, len(c.Databases))
	for i := range c.Databases {
		db := &c.Databases[i]
		if db.Name == "" {
			return errs.New(errs.ErrKindInvalidInput, "database entry without a name")
		}
		if seen[db.Name] {
			return errs.Newf(errs.ErrKindInvalidInput, "duplicate database name %q", db.Name)
		}
		seen[db.Name] = true
		if db.ConnectionString == "" && db.Database == "" {
			return errs.Newf(errs.ErrKindInvalidInput, "database %q has no connection string or database name", db.Name)
		}
		if db.Engine != "" {
			if _, ok := dbengine.EngineTypeFromString(db.Engine); !ok {
				return errs.Newf(errs.ErrKindInvalidInput, "database %q has unknown engine %q", db.Name, db.Engine)
			}
		}
	}

	switch c.Migrations.Source {
	case "", "dir", "minio":
	default:
		return errs.Newf(errs.ErrKindInvalidInput, "unknown migrations source %q", c.Migrations.Source)
	}
	if c.Migrations.Source == "dir" && c.Migrations.Dir == "" {
		return errs.New(errs.ErrKindInvalidInput, "migrations source dir requires a directory")
	}
	if c.Migrations.Source == "minio" && c.Migrations.MinIO.Bucket == "" {
		return errs.New(errs.ErrKindInvalidInput, "migrations source minio requires a bucket")
	}
	return nil
}

// StartTiers lists the tiers flagged for a dedicated worker at startup.
func (d *DatabaseConfig) StartTiers() []string {
	var tiers []string
	if d.Queues.Slow.Start {
		tiers = append(tiers, "slow")
	}
	if d.Queues.Medium.Start {
		tiers = append(tiers, "medium")
	}
	if d.Queues.Fast.Start {
		tiers = append(tiers, "fast")
	}
	if d.Queues.Cache.Start {
		tiers = append(tiers, "cache")
	}
	return tiers
}
