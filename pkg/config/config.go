package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/schoolpower/powers/pkg/models"
	"gopkg.in/yaml.v3"
)

// Config holds all Powers client configuration.
type Config struct {
	DBPath   string                   `yaml:"db_path"`
	Identity string                   `yaml:"identity"`
	LogLevel string                   `yaml:"log_level"`
	Powers   PowersConfig             `yaml:"powers"`
	Ledger   LedgerConfig             `yaml:"ledger"`
	Pricing  []models.CapabilityPrice `yaml:"pricing"`
	Journal  models.JournalConfig     `yaml:"journal"`
	Metrics  MetricsConfig            `yaml:"metrics"`
}

// PowersConfig controls the balance and its reconciliation.
type PowersConfig struct {
	DailyLimit   int64         `yaml:"daily_limit"`
	RenewalHour  int           `yaml:"renewal_hour"`
	Timezone     string        `yaml:"timezone"`
	HistoryLimit int           `yaml:"history_limit"`
	SyncInterval time.Duration `yaml:"sync_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// LedgerConfig points at the remote balance ledger.
type LedgerConfig struct {
	URL             string        `yaml:"url"`
	Timeout         time.Duration `yaml:"timeout"`
	BreakerFailures uint          `yaml:"breaker_failures"`
	BreakerWindow   uint          `yaml:"breaker_window"`
	BreakerDelay    time.Duration `yaml:"breaker_delay"`
	ResetRetries    int           `yaml:"reset_retries"`
}

// MetricsConfig controls the Prometheus endpoint of `powers run`.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath:   "powers.db",
		LogLevel: "info",
		Powers: PowersConfig{
			DailyLimit:   300,
			RenewalHour:  0,
			Timezone:     "Local",
			HistoryLimit: 100,
			SyncInterval: 30 * time.Second,
			MaxRetries:   3,
			BaseDelay:    500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		Ledger: LedgerConfig{
			Timeout:         5 * time.Second,
			BreakerFailures: 5,
			BreakerWindow:   10,
			BreakerDelay:    15 * time.Second,
			ResetRetries:    2,
		},
		Journal: models.JournalConfig{
			Enabled:       false,
			DBPath:        "powers-journal.db",
			RetentionDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9464",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate rejects settings the reconciliation loop cannot run with.
func (c *Config) Validate() error {
	p := c.Powers
	switch {
	case p.DailyLimit <= 0:
		return fmt.Errorf("invalid config: powers.daily_limit must be > 0")
	case p.RenewalHour < 0 || p.RenewalHour > 23:
		return fmt.Errorf("invalid config: powers.renewal_hour must be within 0-23")
	case p.HistoryLimit <= 0:
		return fmt.Errorf("invalid config: powers.history_limit must be > 0")
	case p.SyncInterval <= 0:
		return fmt.Errorf("invalid config: powers.sync_interval must be > 0")
	case p.MaxRetries <= 0:
		return fmt.Errorf("invalid config: powers.max_retries must be > 0")
	case p.BaseDelay <= 0 || p.MaxDelay < p.BaseDelay:
		return fmt.Errorf("invalid config: powers.base_delay must be > 0 and <= max_delay")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: powers.timezone: %w", err)
	}
	for _, cp := range c.Pricing {
		if cp.ID == "" {
			return fmt.Errorf("invalid config: pricing entry without id")
		}
		if cp.Price < 0 {
			return fmt.Errorf("invalid config: pricing %q has negative price", cp.ID)
		}
	}
	return nil
}

// Location resolves the renewal timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Powers.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Powers.Timezone)
	}
}
