// Package config implements TOML configuration loading, validation, and
// platform path resolution for plansync. It follows a four-layer override
// chain (defaults -> config file -> environment -> CLI flags); unknown
// keys in the file are fatal errors with "did you mean?" suggestions.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Sync     SyncConfig     `toml:"sync"`
	Calendar CalendarConfig `toml:"calendar"`
	Logging  LoggingConfig  `toml:"logging"`
	Network  NetworkConfig  `toml:"network"`
}

// SyncConfig controls engine behavior: the deletion grace window, the
// full-fetch horizons, and the dry-run flag.
type SyncConfig struct {
	GracePeriod       string `toml:"grace_period"`
	PastHorizonDays   int    `toml:"past_horizon_days"`
	FutureHorizonDays int    `toml:"future_horizon_days"`
	DryRun            bool   `toml:"dry_run"`
}

// CalendarConfig controls the destination calendar and API endpoint.
type CalendarConfig struct {
	Name     string `toml:"name"`
	TimeZone string `toml:"time_zone"`
	BaseURL  string `toml:"base_url"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "auto", "text", or "json"
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags that override config file
// settings. Pointer fields distinguish "not specified" (nil) from
// "explicitly set to zero value" — --dry-run=false differs from not
// passing --dry-run at all.
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	DryRun     *bool  // --dry-run flag
	LogLevel   string // --log-level flag
}

// Defaults, layer 0 of the override chain.
const (
	defaultGracePeriod       = "5m"
	defaultPastHorizonDays   = 30
	defaultFutureHorizonDays = 180
	defaultCalendarName      = "PlanWise Study Sessions"
	defaultTimeZone          = "UTC"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultConnectTimeout    = "10s"
)

// DefaultConfig returns a Config populated with all default values. This
// is both the starting point for TOML decoding (unset fields retain
// defaults) and the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync: SyncConfig{
			GracePeriod:       defaultGracePeriod,
			PastHorizonDays:   defaultPastHorizonDays,
			FutureHorizonDays: defaultFutureHorizonDays,
		},
		Calendar: CalendarConfig{
			Name:     defaultCalendarName,
			TimeZone: defaultTimeZone,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
		},
	}
}

// GraceWindow returns the parsed grace period. Validation guarantees the
// value parses; a zero duration falls back to the default at the engine.
func (c *Config) GraceWindow() time.Duration {
	d, err := time.ParseDuration(c.Sync.GracePeriod)
	if err != nil {
		return 0
	}

	return d
}

// PastHorizon returns the full-fetch look-back window.
func (c *Config) PastHorizon() time.Duration {
	return time.Duration(c.Sync.PastHorizonDays) * 24 * time.Hour
}

// FutureHorizon returns the full-fetch look-ahead window.
func (c *Config) FutureHorizon() time.Duration {
	return time.Duration(c.Sync.FutureHorizonDays) * 24 * time.Hour
}
