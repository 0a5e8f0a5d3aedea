// ABOUTME: Configuration loading and parsing for coven-bridge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-bridge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Agent     AgentConfig     `yaml:"agent"`
	Frontends FrontendsConfig `yaml:"frontends"`
	Updates   UpdatesConfig   `yaml:"updates"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP trigger surface address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AgentConfig describes the agent subprocess and its per-thread policy
type AgentConfig struct {
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	Model        string   `yaml:"model"`
	ApprovalMode string   `yaml:"approval_mode"`
	Sandbox      bool     `yaml:"sandbox"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// FrontendsConfig holds configuration for all frontend integrations
type FrontendsConfig struct {
	Slack  SlackConfig  `yaml:"slack"`
	Matrix MatrixConfig `yaml:"matrix"`
}

// SlackConfig holds Slack integration configuration
type SlackConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
}

// MatrixConfig holds Matrix integration configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
}

// UpdatesConfig holds status update cadence configuration
type UpdatesConfig struct {
	Interval         time.Duration `yaml:"-"`
	ActivityInterval time.Duration `yaml:"-"`
	ActivityWindow   int           `yaml:"activity_window"`
	ActivityLimit    int           `yaml:"activity_limit"`

	// Raw string values for YAML unmarshaling
	IntervalRaw         string `yaml:"interval"`
	ActivityIntervalRaw string `yaml:"activity_interval"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves a field empty.
const (
	DefaultUpdateInterval   = 2 * time.Second
	DefaultActivityInterval = 5 * time.Second
	DefaultActivityWindow   = 8
	DefaultActivityLimit    = 12
	DefaultRequestTimeout   = 60 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Updates.Interval == 0 {
		c.Updates.Interval = DefaultUpdateInterval
	}
	if c.Updates.ActivityInterval == 0 {
		c.Updates.ActivityInterval = DefaultActivityInterval
	}
	if c.Updates.ActivityWindow == 0 {
		c.Updates.ActivityWindow = DefaultActivityWindow
	}
	if c.Updates.ActivityLimit == 0 {
		c.Updates.ActivityLimit = DefaultActivityLimit
	}
	if c.Agent.RequestTimeout == 0 {
		c.Agent.RequestTimeout = DefaultRequestTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}

	if !c.Frontends.Slack.Enabled && !c.Frontends.Matrix.Enabled {
		return fmt.Errorf("at least one frontend must be enabled")
	}
	if c.Frontends.Slack.Enabled && c.Frontends.Slack.BotToken == "" {
		return fmt.Errorf("frontends.slack.bot_token is required when slack is enabled")
	}
	if c.Frontends.Matrix.Enabled {
		if c.Frontends.Matrix.Homeserver == "" {
			return fmt.Errorf("frontends.matrix.homeserver is required when matrix is enabled")
		}
		if c.Frontends.Matrix.AccessToken == "" {
			return fmt.Errorf("frontends.matrix.access_token is required when matrix is enabled")
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Updates.IntervalRaw != "" {
		cfg.Updates.Interval, err = time.ParseDuration(cfg.Updates.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing updates.interval %q: %w", cfg.Updates.IntervalRaw, err)
		}
	}

	if cfg.Updates.ActivityIntervalRaw != "" {
		cfg.Updates.ActivityInterval, err = time.ParseDuration(cfg.Updates.ActivityIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing updates.activity_interval %q: %w", cfg.Updates.ActivityIntervalRaw, err)
		}
	}

	if cfg.Agent.RequestTimeoutRaw != "" {
		cfg.Agent.RequestTimeout, err = time.ParseDuration(cfg.Agent.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing agent.request_timeout %q: %w", cfg.Agent.RequestTimeoutRaw, err)
		}
	}

	return nil
}
