// Package config aggregates harvester settings from defaults, an optional
// YAML file and environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when the configuration file does not exist.
// Callers that fall back to defaults should check for it with errors.Is.
var ErrConfigNotFound = errors.New("configuration file not found")

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or from bare numbers interpreted as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}

	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full harvester configuration.
type Config struct {
	// BaseURL is the root of the remote listing API.
	BaseURL string `yaml:"base_url"`

	// Token is the static credential attached to every request.
	Token string `yaml:"token"`

	// UserAgent identifies the harvester to the remote.
	UserAgent string `yaml:"user_agent"`

	// Timeout applies per HTTP attempt.
	Timeout Duration `yaml:"timeout"`

	// MaxAttempts is the retry budget for one logical request.
	MaxAttempts int `yaml:"max_attempts"`

	// CacheTTL is how long successful page responses stay cached.
	CacheTTL Duration `yaml:"cache_ttl"`

	// InitialRate, MinRate and MaxRate bound the adaptive limiter,
	// in requests per second.
	InitialRate float64 `yaml:"initial_rate"`
	MinRate     float64 `yaml:"min_rate"`
	MaxRate     float64 `yaml:"max_rate"`

	// PageSize is the number of items requested per page.
	PageSize int `yaml:"page_size"`

	// FailureThreshold is the number of consecutive no-result outcomes
	// before a category worker sleeps Cooldown.
	FailureThreshold int      `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`

	// MaxCategories caps how many categories are crawled (0 = all).
	MaxCategories int `yaml:"max_categories"`

	// ResultsPath and ProgressPath are the durable output files.
	ResultsPath  string `yaml:"results_path"`
	ProgressPath string `yaml:"progress_path"`

	// SnapshotPath receives periodic state snapshots ("" disables).
	SnapshotPath     string   `yaml:"snapshot_path"`
	SnapshotInterval Duration `yaml:"snapshot_interval"`

	// CacheSize is the capacity of the in-process page cache.
	CacheSize int `yaml:"cache_size"`

	// RedisURL enables the shared cache tier when set (host:port).
	RedisURL string `yaml:"redis_url"`

	// MetricsAddr exposes Prometheus metrics when set (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogPretty switches from JSON to console log output.
	LogPretty bool `yaml:"log_pretty"`
}

// DefaultConfig returns conservative defaults. BaseURL and Token have no
// sensible default and must come from the file or the environment.
func DefaultConfig() *Config {
	return &Config{
		UserAgent:        "catalog-harvester/1.0",
		Timeout:          Duration(30 * time.Second),
		MaxAttempts:      5,
		CacheTTL:         Duration(5 * time.Minute),
		InitialRate:      2.0,
		MinRate:          0.2,
		MaxRate:          10.0,
		PageSize:         20,
		FailureThreshold: 20,
		Cooldown:         Duration(60 * time.Second),
		MaxCategories:    0,
		ResultsPath:      "output/results.csv",
		ProgressPath:     "output/progress.json",
		SnapshotPath:     "output/snapshot.json",
		SnapshotInterval: Duration(30 * time.Second),
		CacheSize:        1024,
		LogLevel:         "info",
	}
}

// Load reads a YAML config file over the defaults. A missing file returns
// ErrConfigNotFound with the defaults intact.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, ErrConfigNotFound
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides the configuration from HARVESTER_* environment
// variables. Unparseable numeric values are ignored.
func (c *Config) ApplyEnv() {
	setString(&c.BaseURL, "HARVESTER_BASE_URL")
	setString(&c.Token, "HARVESTER_TOKEN")
	setString(&c.UserAgent, "HARVESTER_USER_AGENT")
	setDuration(&c.Timeout, "HARVESTER_TIMEOUT")
	setInt(&c.MaxAttempts, "HARVESTER_MAX_ATTEMPTS")
	setDuration(&c.CacheTTL, "HARVESTER_CACHE_TTL")
	setFloat(&c.InitialRate, "HARVESTER_INITIAL_RATE")
	setFloat(&c.MinRate, "HARVESTER_MIN_RATE")
	setFloat(&c.MaxRate, "HARVESTER_MAX_RATE")
	setInt(&c.PageSize, "HARVESTER_PAGE_SIZE")
	setInt(&c.FailureThreshold, "HARVESTER_FAILURE_THRESHOLD")
	setDuration(&c.Cooldown, "HARVESTER_COOLDOWN")
	setInt(&c.MaxCategories, "HARVESTER_MAX_CATEGORIES")
	setString(&c.ResultsPath, "HARVESTER_RESULTS_PATH")
	setString(&c.ProgressPath, "HARVESTER_PROGRESS_PATH")
	setString(&c.SnapshotPath, "HARVESTER_SNAPSHOT_PATH")
	setDuration(&c.SnapshotInterval, "HARVESTER_SNAPSHOT_INTERVAL")
	setInt(&c.CacheSize, "HARVESTER_CACHE_SIZE")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.MetricsAddr, "HARVESTER_METRICS_ADDR")
	setString(&c.LogLevel, "HARVESTER_LOG_LEVEL")
	if v := os.Getenv("HARVESTER_LOG_PRETTY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.LogPretty = b
		}
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be positive")
	}
	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL cannot be negative")
	}
	if c.MinRate <= 0 {
		return fmt.Errorf("min rate must be positive")
	}
	if c.MaxRate < c.MinRate {
		return fmt.Errorf("max rate (%g) cannot be below min rate (%g)", c.MaxRate, c.MinRate)
	}
	if c.InitialRate < c.MinRate || c.InitialRate > c.MaxRate {
		return fmt.Errorf("initial rate (%g) must be within [%g, %g]", c.InitialRate, c.MinRate, c.MaxRate)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page size must be positive")
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive")
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("cooldown cannot be negative")
	}
	if c.MaxCategories < 0 {
		return fmt.Errorf("max categories cannot be negative")
	}
	if c.ResultsPath == "" {
		return fmt.Errorf("results path cannot be empty")
	}
	if c.ProgressPath == "" {
		return fmt.Errorf("progress path cannot be empty")
	}
	if c.SnapshotPath != "" && c.SnapshotInterval <= 0 {
		return fmt.Errorf("snapshot interval must be positive when snapshots are enabled")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
