// Package config loads and watches the taskgate configuration file.
// Configuration lives in $TASKGATE_HOME/config.yaml (default ~/.taskgate)
// with environment overrides applied on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// APIKeyEntry binds one bearer key to the user it authenticates as.
type APIKeyEntry struct {
	Key    string `yaml:"key"`
	UserID string `yaml:"user_id"`
	Label  string `yaml:"label"`
}

// AuthConfig controls API key authentication. When disabled, callers
// identify themselves with the X-User-ID header; that mode is for local
// development only.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// RetentionConfig bounds the task_events audit trail. Days <= 0 keeps
// rows forever. Schedule is a standard 5-field cron expression.
type RetentionConfig struct {
	TaskEventsDays int    `yaml:"task_events_days"`
	Schedule       string `yaml:"schedule"`
}

// OTelConfig configures the OpenTelemetry exporter.
type OTelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// SearchConfig controls the full-text task index. The index is a
// derived view rebuilt from the store on startup, so IndexPath may be
// deleted at any time.
type SearchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	IndexPath string `yaml:"index_path"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`
	DBPath   string `yaml:"db_path"`

	// AllowOrigins controls which Origin headers are accepted for
	// browser WebSocket connections. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxRequestBytes caps request body size. 0 uses the default 1MB.
	MaxRequestBytes int64 `yaml:"max_request_bytes"`

	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retention RetentionConfig `yaml:"retention"`
	OTel      OTelConfig      `yaml:"otel"`
	Search    SearchConfig    `yaml:"search"`
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:18790",
		LogLevel:        "info",
		MaxRequestBytes: 1 << 20,
		Retention: RetentionConfig{
			TaskEventsDays: 90,
			Schedule:       "0 3 * * *",
		},
		OTel: OTelConfig{
			Exporter: "none",
		},
		Search: SearchConfig{
			Enabled: true,
		},
	}
}

// HomeDir returns the taskgate home directory, honoring TASKGATE_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskgate")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the taskgate home directory, creating the
// directory if needed. A missing file is not an error: defaults apply.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom loads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskgate home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "taskgate.db")
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = 1 << 20
	}
	if cfg.Retention.Schedule == "" {
		cfg.Retention.Schedule = "0 3 * * *"
	}
	if cfg.OTel.Exporter == "" {
		cfg.OTel.Exporter = "none"
	}
	if cfg.Search.IndexPath == "" {
		cfg.Search.IndexPath = filepath.Join(cfg.HomeDir, "search.bleve")
	}
}

func validate(cfg *Config) error {
	if cfg.Auth.Enabled && len(cfg.Auth.Keys) == 0 {
		return fmt.Errorf("auth enabled but no keys configured")
	}
	seen := make(map[string]string, len(cfg.Auth.Keys))
	for _, entry := range cfg.Auth.Keys {
		if entry.Key == "" {
			return fmt.Errorf("auth key with empty value (user %q)", entry.UserID)
		}
		if entry.UserID == "" {
			return fmt.Errorf("auth key %q has no user_id", entry.Label)
		}
		if prior, dup := seen[entry.Key]; dup {
			return fmt.Errorf("auth key shared between users %q and %q", prior, entry.UserID)
		}
		seen[entry.Key] = entry.UserID
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKGATE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKGATE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKGATE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKGATE_RETENTION_TASK_EVENTS_DAYS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retention.TaskEventsDays = v
		}
	}
	if raw := os.Getenv("TASKGATE_OTEL_EXPORTER"); raw != "" {
		cfg.OTel.Exporter = raw
		cfg.OTel.Enabled = true
	}
	if raw := os.Getenv("TASKGATE_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Endpoint = raw
	}
	if raw := os.Getenv("TASKGATE_SEARCH_DISABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil && v {
			cfg.Search.Enabled = false
		}
	}
}

// UserForKey resolves an API key to its user. The lookup itself is not
// constant-time; the gateway's auth middleware handles that.
func (c Config) UserForKey(key string) (APIKeyEntry, bool) {
	for _, entry := range c.Auth.Keys {
		if entry.Key == key {
			return entry, true
		}
	}
	return APIKeyEntry{}, false
}

// Fingerprint returns a stable hash of the active config, exposed in
// /healthz so operators can confirm which config a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|auth=%t|keys=%d|cors=%t|ratelimit=%t|retention=%d|origins=%s",
		c.BindAddr, c.LogLevel, c.DBPath,
		c.Auth.Enabled, len(c.Auth.Keys),
		c.CORS.Enabled, c.RateLimit.Enabled,
		c.Retention.TaskEventsDays,
		strings.Join(c.AllowOrigins, ","))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
