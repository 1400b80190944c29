// Package config loads vt configuration from ~/.config/vt/config.yaml with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
	_ "time/tzdata" // timezone names resolve on hosts without a zoneinfo database

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigDir is the directory, under the home directory, holding
	// vt configuration and the default database.
	DefaultConfigDir = ".config/vt"
	// DefaultConfigFile is the default config file name.
	DefaultConfigFile = "config.yaml"
	// DefaultServerURL is used by the CLI when nothing else is configured.
	DefaultServerURL = "http://localhost:8080"
)

// Config holds vt configuration.
type Config struct {
	ServerURL string       `yaml:"server_url,omitempty"`
	APIKey    string       `yaml:"api_key,omitempty"`
	DBPath    string       `yaml:"db_path,omitempty"`
	DevMode   bool         `yaml:"dev_mode,omitempty"`
	Timezone  string       `yaml:"timezone,omitempty"`
	Server    ServerConfig `yaml:"server,omitempty"`
	Upsert    UpsertConfig `yaml:"upsert,omitempty"`
	Dedupe    DedupeConfig `yaml:"dedupe,omitempty"`
	Health    HealthConfig `yaml:"health,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port,omitempty"`
	// SweepInterval is how often abandoned open visits are closed. Zero
	// disables the sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`
}

// UpsertConfig holds the merge thresholds of the event upsert.
type UpsertConfig struct {
	SmallGap     time.Duration `yaml:"small_gap,omitempty"`
	SessionGap   time.Duration `yaml:"session_gap,omitempty"`
	AbandonAfter time.Duration `yaml:"abandon_after,omitempty"`
	MaxEventAge  time.Duration `yaml:"max_event_age,omitempty"`
	MaxClockSkew time.Duration `yaml:"max_clock_skew,omitempty"`
}

// DedupeConfig holds duplicate detection thresholds.
type DedupeConfig struct {
	OverlapRatio float64       `yaml:"overlap_ratio,omitempty"`
	SmallGap     time.Duration `yaml:"small_gap,omitempty"`
	RapidFire    time.Duration `yaml:"rapid_fire,omitempty"`
	Workers      int           `yaml:"workers,omitempty"`
}

// HealthConfig holds health check settings.
type HealthConfig struct {
	MaxPerDay int `yaml:"max_per_day,omitempty"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		ServerURL: DefaultServerURL,
		Timezone:  "UTC",
		Server: ServerConfig{
			Port:          8080,
			SweepInterval: 15 * time.Minute,
		},
		Upsert: UpsertConfig{
			SmallGap:     5 * time.Minute,
			SessionGap:   30 * time.Minute,
			AbandonAfter: 12 * time.Hour,
			MaxEventAge:  30 * 24 * time.Hour,
			MaxClockSkew: 10 * time.Minute,
		},
		Dedupe: DedupeConfig{
			OverlapRatio: 0.8,
			SmallGap:     5 * time.Minute,
			RapidFire:    30 * time.Second,
			Workers:      4,
		},
		Health: HealthConfig{
			MaxPerDay: 3,
		},
	}
}

// DefaultPath returns the default config file path: ~/.config/vt/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Load reads the config at path over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := readInto(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if _, err := cfg.Location(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Update applies fn to the config file at path and writes it back. Only
// values present in the file, or set by fn, are written.
func Update(path string, fn func(*Config)) error {
	cfg := &Config{}
	if err := readInto(path, cfg); err != nil {
		return err
	}
	fn(cfg)
	return save(path, cfg)
}

func readInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", path, err)
	}
	return nil
}

func save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies VT_* environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("VT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("VT_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("VT_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("VT_TIMEZONE"); v != "" {
		c.Timezone = v
	}
	if v := os.Getenv("VT_DEV_MODE"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parsing VT_DEV_MODE: %w", err)
		}
		c.DevMode = dev
	}
	return nil
}

// Location returns the timezone calendar days are computed in.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
