package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	appLog "calmirror/internal/log"
)

// EnvPrefix marks environment overrides. Nesting levels are separated by a
// double underscore: CALMIRROR_SYNC__INTERVAL_MINUTES=5.
const EnvPrefix = "CALMIRROR_"

const DefaultPath = "./calmirror.yaml"

type DatabaseConfig struct {
	// Path is the SQLite file; ":memory:" keeps everything in process.
	Path string `koanf:"path" yaml:"path" json:"path"`
}

type CalDAVConfig struct {
	// Endpoint is the server's CalDAV root, e.g. https://caldav.fastmail.com/dav/
	Endpoint       string `koanf:"endpoint" yaml:"endpoint" json:"endpoint"`
	TimeoutSeconds int    `koanf:"timeout_seconds" yaml:"timeout_seconds" json:"timeout_seconds"`
}

type SyncConfig struct {
	IntervalMinutes int  `koanf:"interval_minutes" yaml:"interval_minutes" json:"interval_minutes"`
	AutoConnect     bool `koanf:"auto_connect" yaml:"auto_connect" json:"auto_connect"`
}

type ExpandConfig struct {
	MaxOccurrencesPerEvent int `koanf:"max_occurrences_per_event" yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`
	// DefaultWindowDays is used when a read omits the window end.
	DefaultWindowDays int `koanf:"default_window_days" yaml:"default_window_days" json:"default_window_days"`
}

type CredentialsConfig struct {
	// Passphrase derives the key that encrypts stored account credentials.
	Passphrase string `koanf:"passphrase" yaml:"passphrase" json:"-"`
}

type LogConfig struct {
	Level      string `koanf:"level" yaml:"level" json:"level"`
	File       string `koanf:"file" yaml:"file" json:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days" yaml:"max_age_days" json:"max_age_days"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `koanf:"username" yaml:"username" json:"username"`
	Password string `koanf:"password" yaml:"password" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `koanf:"listen" yaml:"listen" json:"listen"`

	// Timezone is the IANA zone instances are reported in.
	Timezone string `koanf:"timezone" yaml:"timezone" json:"timezone"`

	Database    DatabaseConfig    `koanf:"database" yaml:"database" json:"database"`
	CalDAV      CalDAVConfig      `koanf:"caldav" yaml:"caldav" json:"caldav"`
	Sync        SyncConfig        `koanf:"sync" yaml:"sync" json:"sync"`
	Expand      ExpandConfig      `koanf:"expand" yaml:"expand" json:"expand"`
	Credentials CredentialsConfig `koanf:"credentials" yaml:"credentials" json:"-"`
	Log         LogConfig         `koanf:"log" yaml:"log" json:"log"`

	// BasicAuth enables HTTP Basic Authentication on every endpoint except
	// /health when both fields are set.
	BasicAuth BasicAuthConfig `koanf:"basic_auth" yaml:"basic_auth" json:"basic_auth"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8080",
		Timezone: "UTC",
		Database: DatabaseConfig{Path: "./data/calmirror.db"},
		CalDAV: CalDAVConfig{
			Endpoint:       "https://caldav.fastmail.com/dav/",
			TimeoutSeconds: 30,
		},
		Sync: SyncConfig{
			IntervalMinutes: 15,
			AutoConnect:     true,
		},
		Expand: ExpandConfig{
			MaxOccurrencesPerEvent: 5000,
			DefaultWindowDays:      30,
		},
		Log: LogConfig{
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Database.Path == "" {
		c.Database.Path = d.Database.Path
	}
	if c.CalDAV.TimeoutSeconds <= 0 {
		c.CalDAV.TimeoutSeconds = d.CalDAV.TimeoutSeconds
	}
	if c.Sync.IntervalMinutes <= 0 {
		c.Sync.IntervalMinutes = d.Sync.IntervalMinutes
	}
	if c.Expand.MaxOccurrencesPerEvent <= 0 {
		c.Expand.MaxOccurrencesPerEvent = d.Expand.MaxOccurrencesPerEvent
	}
	if c.Expand.DefaultWindowDays <= 0 {
		c.Expand.DefaultWindowDays = d.Expand.DefaultWindowDays
	}
	c.Log.Level = strings.ToUpper(c.Log.Level)
	switch c.Log.Level {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		c.Log.Level = d.Log.Level
	}
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalMinutes) * time.Minute
}

func (c *Config) CalDAVTimeout() time.Duration {
	return time.Duration(c.CalDAV.TimeoutSeconds) * time.Second
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// BasicAuthEnabled reports whether both basic auth fields are set.
func (c *Config) BasicAuthEnabled() bool {
	return c.BasicAuth.Username != "" && c.BasicAuth.Password != ""
}

// Load layers defaults, the YAML file at path and CALMIRROR_ environment
// variables, in that order.
//
// When the file does not exist, the defaults are written to it first (0600).
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := Save(path, DefaultConfig()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		appLog.Info("wrote default config", "path", path)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(DefaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("error loading config defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(k, v string) (string, any) {
			k = strings.ToLower(strings.TrimPrefix(k, EnvPrefix))
			return strings.ReplaceAll(k, "__", "."), v
		},
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading config from environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600
// permissions, creating the parent directory (0700) if needed.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yamlv3.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calmirror-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
