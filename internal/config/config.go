// Package config loads service configuration from defaults, an optional YAML
// file, RIDEKEY_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/ridekey/internal/store"
)

// EnvPrefix prefixes environment overrides: engine.lease_window is read from
// RIDEKEY_ENGINE_LEASE_WINDOW.
const EnvPrefix = "RIDEKEY"

// Config is the complete service configuration.
type Config struct {
	Database string   `mapstructure:"database"`
	Listen   string   `mapstructure:"listen"`
	Engine   Engine   `mapstructure:"engine"`
	Payments Payments `mapstructure:"payments"`
	Receipt  Receipt  `mapstructure:"receipt"`
	Jobs     Jobs     `mapstructure:"jobs"`
}

// Engine configures the idempotent execution engine.
type Engine struct {
	// LeaseWindow is how long a lease blocks other attempts on a key.
	LeaseWindow time.Duration `mapstructure:"lease_window"`

	// PhaseTimeout bounds one phase. Phases hold the database write lock,
	// so it must stay below store.BusyTimeout, and the payment call made
	// inside a phase must fit within it.
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
}

// Payments configures the payment provider client.
type Payments struct {
	BaseURL    string        `mapstructure:"base_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxElapsed time.Duration `mapstructure:"max_elapsed"`
}

// Receipt is the fare charged and receipted for every ride.
type Receipt struct {
	Amount   int64  `mapstructure:"amount"`
	Currency string `mapstructure:"currency"`
}

// Jobs configures the staged job enqueuer.
type Jobs struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

// FlagKeys maps command-line flag names to configuration keys.
var FlagKeys = map[string]string{
	"db":           "database",
	"listen":       "listen",
	"lease-window": "engine.lease_window",
	"provider-url": "payments.base_url",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database", "ridekey.db")
	v.SetDefault("listen", ":8080")
	v.SetDefault("engine.lease_window", 90*time.Second)
	v.SetDefault("engine.phase_timeout", 45*time.Second)
	v.SetDefault("payments.base_url", "http://localhost:12111")
	v.SetDefault("payments.timeout", 10*time.Second)
	v.SetDefault("payments.max_elapsed", 30*time.Second)
	v.SetDefault("receipt.amount", 20)
	v.SetDefault("receipt.currency", "USD")
	v.SetDefault("jobs.poll_interval", 5*time.Second)
	v.SetDefault("jobs.batch_size", 50)
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	cfg, err := Load("", nil)
	if err != nil {
		panic(fmt.Sprintf("config: defaults invalid: %v", err))
	}
	return cfg
}

// Load builds the configuration. path may be empty; flags may be nil. Only
// flags the user actually set override lower layers.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag --%s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Database == "" {
		errs = append(errs, errors.New("database must not be empty"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen must not be empty"))
	}
	if c.Engine.LeaseWindow <= 0 {
		errs = append(errs, fmt.Errorf("engine.lease_window must be positive, got %s", c.Engine.LeaseWindow))
	}
	if u, err := url.Parse(c.Payments.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("payments.base_url must be an absolute URL, got %q", c.Payments.BaseURL))
	}
	if c.Payments.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("payments.timeout must be positive, got %s", c.Payments.Timeout))
	}
	if c.Engine.PhaseTimeout <= 0 || c.Engine.PhaseTimeout >= store.BusyTimeout {
		errs = append(errs, fmt.Errorf("engine.phase_timeout must be positive and below the %s database busy timeout, got %s",
			store.BusyTimeout, c.Engine.PhaseTimeout))
	}
	if c.Payments.MaxElapsed <= 0 {
		errs = append(errs, fmt.Errorf("payments.max_elapsed must be positive, got %s", c.Payments.MaxElapsed))
	}
	if budget := c.Payments.MaxElapsed + c.Payments.Timeout; budget > c.Engine.PhaseTimeout {
		errs = append(errs, fmt.Errorf("payments.max_elapsed + payments.timeout (%s) must not exceed engine.phase_timeout (%s)",
			budget, c.Engine.PhaseTimeout))
	}
	if c.Receipt.Amount <= 0 {
		errs = append(errs, fmt.Errorf("receipt.amount must be positive, got %d", c.Receipt.Amount))
	}
	if len(c.Receipt.Currency) != 3 {
		errs = append(errs, fmt.Errorf("receipt.currency must be a 3-letter code, got %q", c.Receipt.Currency))
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("jobs.poll_interval must be positive, got %s", c.Jobs.PollInterval))
	}
	if c.Jobs.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("jobs.batch_size must be positive, got %d", c.Jobs.BatchSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
