package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys are the valid keys in the config file, section-qualified.
var knownKeys = map[string]bool{
	"sync.grace_period": true, "sync.past_horizon_days": true,
	"sync.future_horizon_days": true, "sync.dry_run": true,
	"calendar.name": true, "calendar.time_zone": true, "calendar.base_url": true,
	"logging.log_level": true, "logging.log_format": true,
	"network.connect_timeout": true, "network.user_agent": true,
}

// knownKeysList is the sorted slice form for Levenshtein matching. Sorted
// for deterministic suggestions when two candidates tie on edit distance.
var knownKeysList = func() []string {
	keys := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}()

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal with "did you mean?"
// suggestions — silently ignoring a typo in a config file leads to
// hard-to-debug behavior.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values. This supports the
// zero-config first-run experience.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment -> CLI flags.
func Resolve(cli CLIOverrides) (*Config, error) {
	env := ReadEnvOverrides()

	cfgPath := cli.ConfigPath
	if cfgPath == "" {
		cfgPath = env.ConfigPath
	}
	if cfgPath == "" {
		cfgPath = DefaultConfigPath()
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	env.apply(cfg)

	if cli.DryRun != nil {
		cfg.Sync.DryRun = *cli.DryRun
	}

	if cli.LogLevel != "" {
		cfg.Logging.LogLevel = cli.LogLevel
	}

	return cfg, nil
}

// Validate checks all configuration values and returns all errors found,
// accumulated rather than first-fail, so users fix everything in one pass.
func Validate(cfg *Config) error {
	var errs []error

	if _, err := time.ParseDuration(cfg.Sync.GracePeriod); err != nil {
		errs = append(errs, fmt.Errorf("sync.grace_period %q is not a duration", cfg.Sync.GracePeriod))
	}

	if cfg.Sync.PastHorizonDays < 0 {
		errs = append(errs, fmt.Errorf("sync.past_horizon_days must be >= 0, got %d", cfg.Sync.PastHorizonDays))
	}

	if cfg.Sync.FutureHorizonDays < 1 {
		errs = append(errs, fmt.Errorf("sync.future_horizon_days must be >= 1, got %d", cfg.Sync.FutureHorizonDays))
	}

	if cfg.Calendar.Name == "" {
		errs = append(errs, errors.New("calendar.name must not be empty"))
	}

	if _, err := time.LoadLocation(cfg.Calendar.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("calendar.time_zone %q is not a valid IANA zone", cfg.Calendar.TimeZone))
	}

	switch cfg.Logging.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level %q is not one of debug, info, warn, error", cfg.Logging.LogLevel))
	}

	switch cfg.Logging.LogFormat {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format %q is not one of auto, text, json", cfg.Logging.LogFormat))
	}

	if _, err := time.ParseDuration(cfg.Network.ConnectTimeout); err != nil {
		errs = append(errs, fmt.Errorf("network.connect_timeout %q is not a duration", cfg.Network.ConnectTimeout))
	}

	return errors.Join(errs...)
}

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	for _, key := range undecoded {
		keyStr := key.String()

		suggestion := closestMatch(keyStr, knownKeysList)
		if suggestion != "" {
			errs = append(errs, fmt.Errorf("unknown config key %q — did you mean %q?", keyStr, suggestion))
		} else {
			errs = append(errs, fmt.Errorf("unknown config key %q", keyStr))
		}
	}

	return errors.Join(errs...)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			best = k
			bestDist = d
		}
	}

	return best
}

// levenshtein computes the edit distance between two strings using the
// two-row dynamic programming formulation.
func levenshtein(a, b string) int {
	a = strings.ToLower(a)
	b = strings.ToLower(b)

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i

		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}

			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
