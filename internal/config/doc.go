// Package config handles configuration loading for coven-bridge.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COVEN_BRIDGE_CONFIG environment variable
//  2. ./config.yaml (current directory)
//  3. ~/.config/coven/bridge.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	frontends:
//	  slack:
//	    bot_token: "${SLACK_BOT_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	updates:
//	  interval: "2s"
//	  activity_interval: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # health and trigger API
//
// Agent subprocess:
//
//	agent:
//	  command: "coven-agent"
//	  args: ["--stdio"]
//	  model: "large"
//	  approval_mode: "auto"
//	  sandbox: true
//	  request_timeout: "60s"
//
// Frontends:
//
//	frontends:
//	  slack:
//	    enabled: true
//	    bot_token: "${SLACK_BOT_TOKEN}"
//	  matrix:
//	    enabled: false
//	    homeserver: "https://matrix.org"
//	    user_id: "@bot:matrix.org"
//	    access_token: "${MATRIX_ACCESS_TOKEN}"
//
// Update cadence:
//
//	updates:
//	  interval: "2s"           # status message refresh
//	  activity_interval: "5s"  # activity log refresh
//	  activity_window: 8       # newest entries kept visible
//	  activity_limit: 12       # collapse threshold
//
// Database:
//
//	database:
//	  path: "/var/lib/coven/bridge.db"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - Agent command presence
//   - At least one enabled frontend with its credentials
//   - Database path presence
//   - Duration format validity
package config
