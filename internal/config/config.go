// ABOUTME: Configuration loading and parsing for the brain-web sync daemon
// ABOUTME: Reads YAML or TOML with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/sanjayanasuri/brain-web-sub011/internal/cache"
	"github.com/sanjayanasuri/brain-web-sub011/internal/capture"
	"github.com/sanjayanasuri/brain-web-sub011/internal/drain"
)

// Config represents the complete sync daemon configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Drain    DrainConfig    `yaml:"drain" toml:"drain"`
	Autosync AutosyncConfig `yaml:"autosync" toml:"autosync"`
	Capture  CaptureConfig  `yaml:"capture" toml:"capture"`
	Status   StatusConfig   `yaml:"status" toml:"status"`
	Events   EventsConfig   `yaml:"events" toml:"events"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
}

// ServerConfig points at the remote sync server
type ServerConfig struct {
	BaseURL        string        `yaml:"base_url" toml:"base_url"`
	RequestTimeout time.Duration `yaml:"-" toml:"-"`

	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
}

// DatabaseConfig holds the local store location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// DrainConfig bounds each drain run
type DrainConfig struct {
	BatchSize       int           `yaml:"batch_size" toml:"batch_size"`
	MaxBatches      int           `yaml:"max_batches" toml:"max_batches"`
	InterBatchDelay time.Duration `yaml:"-" toml:"-"`
	BackoffBase     time.Duration `yaml:"-" toml:"-"`
	BackoffCap      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	InterBatchDelayRaw string `yaml:"inter_batch_delay" toml:"inter_batch_delay"`
	BackoffBaseRaw     string `yaml:"backoff_base" toml:"backoff_base"`
	BackoffCapRaw      string `yaml:"backoff_cap" toml:"backoff_cap"`
}

// AutosyncConfig controls background draining and cache validation
type AutosyncConfig struct {
	Enabled       bool          `yaml:"enabled" toml:"enabled"`
	Interval      time.Duration `yaml:"-" toml:"-"`
	ProbeInterval time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout  time.Duration `yaml:"-" toml:"-"`
	MaxFollowups  int           `yaml:"max_followups" toml:"max_followups"`
	Scopes        []cache.Scope `yaml:"scopes" toml:"scopes"`

	IntervalRaw      string `yaml:"interval" toml:"interval"`
	ProbeIntervalRaw string `yaml:"probe_interval" toml:"probe_interval"`
	ProbeTimeoutRaw  string `yaml:"probe_timeout" toml:"probe_timeout"`
}

// CaptureConfig controls the capture boundary and its spool directory
type CaptureConfig struct {
	// SpoolDir is watched for request files; empty disables the spool.
	SpoolDir        string        `yaml:"spool_dir" toml:"spool_dir"`
	MinContentChars int           `yaml:"min_content_chars" toml:"min_content_chars"`
	DedupeTTL       time.Duration `yaml:"-" toml:"-"`

	DedupeTTLRaw string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// StatusConfig holds the local HTTP API address
type StatusConfig struct {
	// HTTPAddr is where the status API listens; empty disables it.
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// EventsConfig holds optional NATS publishing of sync events
type EventsConfig struct {
	NATSURL string `yaml:"nats_url" toml:"nats_url"`
	Subject string `yaml:"subject" toml:"subject"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	// File receives logs with rotation when set.
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// Default returns a configuration with every optional field filled in.
// Server.BaseURL and Database.Path still need values.
func Default() *Config {
	d := drain.DefaultConfig()
	c := capture.DefaultConfig()
	return &Config{
		Server: ServerConfig{RequestTimeout: d.RequestTimeout},
		Drain: DrainConfig{
			BatchSize:       d.BatchSize,
			MaxBatches:      d.MaxBatches,
			InterBatchDelay: d.InterBatchDelay,
			BackoffBase:     d.BackoffBase,
			BackoffCap:      d.BackoffCap,
		},
		Autosync: AutosyncConfig{
			Enabled:       true,
			Interval:      30 * time.Second,
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  5 * time.Second,
			MaxFollowups:  3,
		},
		Capture: CaptureConfig{
			MinContentChars: c.MinContentChars,
			DedupeTTL:       c.DedupeTTL,
		},
		Status:  StatusConfig{HTTPAddr: "127.0.0.1:7878"},
		Events:  EventsConfig{Subject: "brainweb.sync"},
		Logging: LoggingConfig{Level: "info", Format: "text", MaxSizeMB: 50, MaxBackups: 3},
	}
}

// DefaultPath returns the config path: $BRAINWEB_CONFIG, then
// $XDG_CONFIG_HOME/brainweb/sync.yaml, then ~/.config/brainweb/sync.yaml.
func DefaultPath() string {
	if p := os.Getenv("BRAINWEB_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "brainweb", "sync.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "sync.yaml"
	}
	return filepath.Join(home, ".config", "brainweb", "sync.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Unset fields keep the values from Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := Default()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return fmt.Errorf("server.base_url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server.base_url must use http or https scheme")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Drain.BatchSize <= 0 {
		return fmt.Errorf("drain.batch_size must be positive")
	}
	if c.Drain.MaxBatches <= 0 {
		return fmt.Errorf("drain.max_batches must be positive")
	}
	if c.Drain.BackoffCap <= 0 {
		return fmt.Errorf("drain.backoff_cap must be positive")
	}
	if c.Drain.BackoffCap < c.Drain.BackoffBase {
		return fmt.Errorf("drain.backoff_cap must not be less than drain.backoff_base")
	}

	if c.Autosync.MaxFollowups < 0 {
		return fmt.Errorf("autosync.max_followups must not be negative")
	}
	for i, s := range c.Autosync.Scopes {
		if s.GraphID == "" || s.BranchID == "" {
			return fmt.Errorf("autosync.scopes[%d] needs graph_id and branch_id", i)
		}
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not text or json", c.Logging.Format)
	}

	return nil
}

// DrainSettings converts the drain section into drain.Config.
func (c *Config) DrainSettings() drain.Config {
	return drain.Config{
		BatchSize:       c.Drain.BatchSize,
		MaxBatches:      c.Drain.MaxBatches,
		InterBatchDelay: c.Drain.InterBatchDelay,
		RequestTimeout:  c.Server.RequestTimeout,
		BackoffBase:     c.Drain.BackoffBase,
		BackoffCap:      c.Drain.BackoffCap,
	}
}

// CaptureSettings converts the capture section into capture.Config.
func (c *Config) CaptureSettings() capture.Config {
	return capture.Config{
		MinContentChars: c.Capture.MinContentChars,
		DedupeTTL:       c.Capture.DedupeTTL,
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.request_timeout", cfg.Server.RequestTimeoutRaw, &cfg.Server.RequestTimeout},
		{"drain.inter_batch_delay", cfg.Drain.InterBatchDelayRaw, &cfg.Drain.InterBatchDelay},
		{"drain.backoff_base", cfg.Drain.BackoffBaseRaw, &cfg.Drain.BackoffBase},
		{"drain.backoff_cap", cfg.Drain.BackoffCapRaw, &cfg.Drain.BackoffCap},
		{"autosync.interval", cfg.Autosync.IntervalRaw, &cfg.Autosync.Interval},
		{"autosync.probe_interval", cfg.Autosync.ProbeIntervalRaw, &cfg.Autosync.ProbeInterval},
		{"autosync.probe_timeout", cfg.Autosync.ProbeTimeoutRaw, &cfg.Autosync.ProbeTimeout},
		{"capture.dedupe_ttl", cfg.Capture.DedupeTTLRaw, &cfg.Capture.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
