// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "sync.yaml", `
server:
  base_url: "https://brain.example.com"
  request_timeout: "10s"

database:
  path: "./sync.db"

drain:
  batch_size: 50
  max_batches: 4
  inter_batch_delay: "100ms"
  backoff_base: "1s"
  backoff_cap: "1m"

autosync:
  interval: "1m"
  max_followups: 2
  scopes:
    - graph_id: "g1"
      branch_id: "main"
    - graph_id: "g1"
      branch_id: "draft"

capture:
  spool_dir: "/tmp/spool"
  min_content_chars: 20
  dedupe_ttl: "5s"

events:
  nats_url: "nats://127.0.0.1:4222"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.BaseURL != "https://brain.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Server.RequestTimeout != 10*time.Second {
		t.Errorf("RequestTimeout = %v, want 10s", cfg.Server.RequestTimeout)
	}
	if cfg.Drain.BatchSize != 50 || cfg.Drain.MaxBatches != 4 {
		t.Errorf("drain bounds = %d/%d, want 50/4", cfg.Drain.BatchSize, cfg.Drain.MaxBatches)
	}
	if cfg.Drain.InterBatchDelay != 100*time.Millisecond {
		t.Errorf("InterBatchDelay = %v", cfg.Drain.InterBatchDelay)
	}
	if cfg.Drain.BackoffCap != time.Minute {
		t.Errorf("BackoffCap = %v", cfg.Drain.BackoffCap)
	}
	if cfg.Autosync.Interval != time.Minute {
		t.Errorf("Interval = %v", cfg.Autosync.Interval)
	}
	if len(cfg.Autosync.Scopes) != 2 || cfg.Autosync.Scopes[1].BranchID != "draft" {
		t.Errorf("Scopes = %+v", cfg.Autosync.Scopes)
	}
	if cfg.Capture.DedupeTTL != 5*time.Second || cfg.Capture.MinContentChars != 20 {
		t.Errorf("capture = %+v", cfg.Capture)
	}
	if cfg.Events.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("NATSURL = %q", cfg.Events.NATSURL)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Format = %q", cfg.Logging.Format)
	}

	// Untouched fields keep their defaults.
	if !cfg.Autosync.Enabled {
		t.Error("autosync should stay enabled by default")
	}
	if cfg.Autosync.ProbeInterval != 15*time.Second {
		t.Errorf("ProbeInterval = %v, want default 15s", cfg.Autosync.ProbeInterval)
	}
	if cfg.Events.Subject != "brainweb.sync" {
		t.Errorf("Subject = %q, want default", cfg.Events.Subject)
	}
	if cfg.Status.HTTPAddr != "127.0.0.1:7878" {
		t.Errorf("HTTPAddr = %q, want default", cfg.Status.HTTPAddr)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "sync.toml", `
[server]
base_url = "http://localhost:8000"

[database]
path = "./sync.db"

[drain]
batch_size = 5
backoff_base = "250ms"

[[autosync.scopes]]
graph_id = "g1"
branch_id = "main"

[logging]
level = "warn"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Drain.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5", cfg.Drain.BatchSize)
	}
	if cfg.Drain.MaxBatches != 10 {
		t.Errorf("MaxBatches = %d, want default 10", cfg.Drain.MaxBatches)
	}
	if cfg.Drain.BackoffBase != 250*time.Millisecond {
		t.Errorf("BackoffBase = %v", cfg.Drain.BackoffBase)
	}
	if len(cfg.Autosync.Scopes) != 1 || cfg.Autosync.Scopes[0].GraphID != "g1" {
		t.Errorf("Scopes = %+v", cfg.Autosync.Scopes)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_BRAINWEB_API", "https://api.example.com")
	t.Setenv("TEST_BRAINWEB_DB", "/var/lib/brainweb.db")

	path := writeConfig(t, "sync.yaml", `
server:
  base_url: "${TEST_BRAINWEB_API}"
database:
  path: "${TEST_BRAINWEB_DB}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.Database.Path != "/var/lib/brainweb.db" {
		t.Errorf("Path = %q", cfg.Database.Path)
	}
}

func TestLoad_UnsetEnvVarFailsValidation(t *testing.T) {
	path := writeConfig(t, "sync.yaml", `
server:
  base_url: "${TEST_BRAINWEB_DEFINITELY_UNSET}"
database:
  path: "./sync.db"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "server.base_url is required") {
		t.Fatalf("expected base_url error, got %v", err)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "invalid yaml",
			content: "server: [unclosed",
			wantErr: "parsing config file",
		},
		{
			name: "bad duration",
			content: `
server: {base_url: "http://x"}
database: {path: "db"}
drain: {backoff_base: "soon"}`,
			wantErr: "drain.backoff_base",
		},
		{
			name: "missing database",
			content: `
server: {base_url: "http://x"}`,
			wantErr: "database.path is required",
		},
		{
			name: "bad scheme",
			content: `
server: {base_url: "ftp://x"}
database: {path: "db"}`,
			wantErr: "http or https",
		},
		{
			name: "zero batch size",
			content: `
server: {base_url: "http://x"}
database: {path: "db"}
drain: {batch_size: 0}`,
			wantErr: "drain.batch_size",
		},
		{
			name: "cap below base",
			content: `
server: {base_url: "http://x"}
database: {path: "db"}
drain: {backoff_base: "10s", backoff_cap: "1s"}`,
			wantErr: "backoff_cap",
		},
		{
			name: "zero backoff cap",
			content: `
server: {base_url: "http://x"}
database: {path: "db"}
drain: {backoff_cap: "0s"}`,
			wantErr: "drain.backoff_cap must be positive",
		},
		{
			name: "incomplete scope",
			content: `
server: {base_url: "http://x"}
database: {path: "db"}
autosync: {scopes: [{graph_id: "g1"}]}`,
			wantErr: "autosync.scopes[0]",
		},
		{
			name: "unknown log level",
			content: `
server: {base_url: "http://x"}
database: {path: "db"}
logging: {level: "loud"}`,
			wantErr: "logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "sync.yaml", tt.content))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "reading config file") {
		t.Fatalf("expected read error, got %v", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("BRAINWEB_CONFIG", "/etc/brainweb.toml")
	if got := DefaultPath(); got != "/etc/brainweb.toml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("BRAINWEB_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "brainweb", "sync.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}

func TestSettingsConversions(t *testing.T) {
	cfg := Default()
	cfg.Server.RequestTimeout = 3 * time.Second
	cfg.Capture.MinContentChars = 12

	d := cfg.DrainSettings()
	if d.RequestTimeout != 3*time.Second || d.BatchSize != cfg.Drain.BatchSize {
		t.Errorf("DrainSettings() = %+v", d)
	}
	c := cfg.CaptureSettings()
	if c.MinContentChars != 12 || c.DedupeTTL != cfg.Capture.DedupeTTL {
		t.Errorf("CaptureSettings() = %+v", c)
	}
}
