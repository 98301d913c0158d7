// Package config handles configuration loading for the brain-web sync daemon.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from BRAINWEB_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/brainweb/sync.yaml
//  3. ~/.config/brainweb/sync.yaml
//
// Files ending in .toml are parsed as TOML; anything else is YAML. Both
// formats use the same keys.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  base_url: "${BRAINWEB_API}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	drain:
//	  inter_batch_delay: "250ms"
//	  backoff_base: "500ms"
//	  backoff_cap: "30s"
//
// # Configuration Sections
//
//	server:
//	  base_url: "http://localhost:8000"   # required
//	  request_timeout: "30s"
//
//	database:
//	  path: "~/.local/share/brainweb/sync.db"   # required
//
//	drain:
//	  batch_size: 25
//	  max_batches: 10
//
//	autosync:
//	  enabled: true
//	  interval: "30s"
//	  probe_interval: "15s"
//	  probe_timeout: "5s"
//	  max_followups: 3
//	  scopes:
//	    - graph_id: "default"
//	      branch_id: "main"
//
//	capture:
//	  spool_dir: ""          # empty disables the spool watcher
//	  min_content_chars: 1
//	  dedupe_ttl: "10s"
//
//	status:
//	  http_addr: "127.0.0.1:7878"   # empty disables the local API
//
//	events:
//	  nats_url: ""           # empty disables NATS publishing
//	  subject: "brainweb.sync"
//
//	logging:
//	  level: "info"          # debug, info, warn, error
//	  format: "text"         # text or json
//	  file: ""               # rotated log file, empty logs to stderr
//	  max_size_mb: 50
//	  max_backups: 3
package config
