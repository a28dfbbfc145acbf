package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig   = "PLANSYNC_CONFIG"
	EnvLogLevel = "PLANSYNC_LOG_LEVEL"
	EnvBaseURL  = "PLANSYNC_BASE_URL"
	EnvCalendar = "PLANSYNC_CALENDAR"
)

// EnvOverrides holds values derived from environment variables. These sit
// between the config file and CLI flags in the override chain: the file
// yields to them, explicit flags beat them.
type EnvOverrides struct {
	ConfigPath string // PLANSYNC_CONFIG: override config file path
	LogLevel   string // PLANSYNC_LOG_LEVEL: log level override
	BaseURL    string // PLANSYNC_BASE_URL: calendar API endpoint (tests, staging)
	Calendar   string // PLANSYNC_CALENDAR: destination calendar name
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		LogLevel:   os.Getenv(EnvLogLevel),
		BaseURL:    os.Getenv(EnvBaseURL),
		Calendar:   os.Getenv(EnvCalendar),
	}
}

// apply copies the set fields onto cfg.
func (e EnvOverrides) apply(cfg *Config) {
	if e.LogLevel != "" {
		cfg.Logging.LogLevel = e.LogLevel
	}

	if e.BaseURL != "" {
		cfg.Calendar.BaseURL = e.BaseURL
	}

	if e.Calendar != "" {
		cfg.Calendar.Name = e.Calendar
	}
}
