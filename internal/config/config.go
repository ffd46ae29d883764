package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"icalfeed/internal/ics"
)

const (
	defaultListen            = "127.0.0.1:8080"
	defaultRefreshCron       = "*/5 * * * *"
	defaultMinRefreshSeconds = 120
	defaultFetchTimeoutSec   = 15
	defaultDays              = 1
	defaultMaxEvents         = 5
	defaultCacheDir          = "/var/lib/icalfeed/ics-cache"
)

// CalendarConfig describes a single ICS subscription.
type CalendarConfig struct {
	// Name identifies the calendar in the API and in logs. Must be unique.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint.
	URL string `yaml:"url" json:"url"`
	// Days is the window length starting at local midnight today.
	Days int `yaml:"days" json:"days"`
	// MaxEvents caps what the API shows for this calendar. The stored list
	// is never truncated.
	MaxEvents int `yaml:"max_events" json:"max_events"`
	// Timezone overrides the global timezone for this calendar.
	Timezone string `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	// VerifySSL toggles TLS certificate verification. Defaults to true.
	VerifySSL *bool `yaml:"verify_ssl,omitempty" json:"verify_ssl,omitempty"`
	// Pairing is "positional" (default) or "duration"; see ics.Pairing.
	Pairing string `yaml:"pairing,omitempty" json:"pairing,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as canonical zone (e.g. "Europe/Berlin").
	// Empty means the host's local zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	// RefreshCron is a cron-style schedule string (e.g. "*/5 * * * *").
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// MinRefreshSeconds is the minimum spacing between two fetches of the
	// same calendar, whatever triggers them.
	MinRefreshSeconds int `yaml:"min_refresh_seconds" json:"min_refresh_seconds"`

	// FetchTimeoutSeconds bounds a single feed download.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// CacheDir holds the last good body of every feed. Empty disables it.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	Calendars []CalendarConfig `yaml:"calendars" json:"calendars"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:              defaultListen,
		RefreshCron:         defaultRefreshCron,
		MinRefreshSeconds:   defaultMinRefreshSeconds,
		FetchTimeoutSeconds: defaultFetchTimeoutSec,
		LogLevel:            "info",
		CacheDir:            defaultCacheDir,
		Calendars:           []CalendarConfig{},
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled files still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	if c.RefreshCron == "" {
		c.RefreshCron = defaultRefreshCron
	}
	if c.MinRefreshSeconds <= 0 {
		c.MinRefreshSeconds = defaultMinRefreshSeconds
	}
	if c.FetchTimeoutSeconds <= 0 {
		c.FetchTimeoutSeconds = defaultFetchTimeoutSec
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Calendars == nil {
		c.Calendars = []CalendarConfig{}
	}
	for i := range c.Calendars {
		cal := &c.Calendars[i]
		cal.Name = strings.TrimSpace(cal.Name)
		cal.URL = strings.TrimSpace(cal.URL)
		if cal.Days <= 0 {
			cal.Days = defaultDays
		}
		if cal.MaxEvents <= 0 {
			cal.MaxEvents = defaultMaxEvents
		}
		if cal.VerifySSL == nil {
			verify := true
			cal.VerifySSL = &verify
		}
		if cal.Pairing == "" {
			cal.Pairing = ics.PairPositional.String()
		}
	}
}

// Validate reports every problem that would keep a calendar from running.
func (c *Config) Validate() error {
	var errs []error
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}
	seen := make(map[string]bool, len(c.Calendars))
	for i, cal := range c.Calendars {
		if cal.Name == "" {
			errs = append(errs, fmt.Errorf("calendars[%d]: name is empty", i))
		} else if seen[cal.Name] {
			errs = append(errs, fmt.Errorf("calendars[%d]: duplicate name %q", i, cal.Name))
		}
		seen[cal.Name] = true
		if cal.URL == "" {
			errs = append(errs, fmt.Errorf("calendar %q: url is empty", cal.Name))
		}
		if cal.Timezone != "" {
			if _, err := time.LoadLocation(cal.Timezone); err != nil {
				errs = append(errs, fmt.Errorf("calendar %q: timezone %q: %w", cal.Name, cal.Timezone, err))
			}
		}
		if _, err := ics.ParsePairing(cal.Pairing); err != nil {
			errs = append(errs, fmt.Errorf("calendar %q: %w", cal.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Location resolves the canonical zone of a calendar: its own timezone, then
// the global one, then the host's local zone.
func (c *Config) Location(cal CalendarConfig) *time.Location {
	for _, name := range []string{cal.Timezone, c.Timezone} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.Local
}

// MinRefreshInterval returns MinRefreshSeconds as a duration.
func (c *Config) MinRefreshInterval() time.Duration {
	return time.Duration(c.MinRefreshSeconds) * time.Second
}

// FetchTimeout returns FetchTimeoutSeconds as a duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is unmarshalled and normalized.
//   - ICALFEED_* environment variables override file values.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file. Env overrides stay out
			// of it.
			cfg := DefaultConfig()
			saveErr := Save(path, cfg)
			applyEnv(cfg)
			cfg.Normalize()
			// Even if save fails, return cfg with error so caller can decide.
			return cfg, saveErr
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	applyEnv(cfg)
	cfg.Normalize()

	return cfg, nil
}

// applyEnv lets a deployment override single settings without editing the file.
func applyEnv(cfg *Config) {
	v := viper.New()
	v.SetEnvPrefix("ICALFEED")
	v.AutomaticEnv()

	_ = v.BindEnv("listen")
	_ = v.BindEnv("timezone")
	_ = v.BindEnv("refresh")
	_ = v.BindEnv("log_level")
	_ = v.BindEnv("cache_dir")
	_ = v.BindEnv("min_refresh_seconds")

	if s := strings.TrimSpace(v.GetString("listen")); s != "" {
		cfg.Listen = s
	}
	if s := strings.TrimSpace(v.GetString("timezone")); s != "" {
		cfg.Timezone = s
	}
	if s := strings.TrimSpace(v.GetString("refresh")); s != "" {
		cfg.RefreshCron = s
	}
	if s := strings.TrimSpace(v.GetString("log_level")); s != "" {
		cfg.LogLevel = s
	}
	if v.IsSet("cache_dir") {
		cfg.CacheDir = strings.TrimSpace(v.GetString("cache_dir"))
	}
	if n := v.GetInt("min_refresh_seconds"); n > 0 {
		cfg.MinRefreshSeconds = n
	}
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename in the same directory) with 0600 permissions.
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
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".icalfeed-config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	// Ensure we clean up temp file on error.
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	return nil
}

// Save is a convenience method that delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
