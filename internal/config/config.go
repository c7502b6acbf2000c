package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the main agentkeeper configuration
type Config struct {
	// Backend
	Backend BackendConfig `json:"backend" mapstructure:"backend"`

	// Accounts
	Accounts AccountsConfig `json:"accounts" mapstructure:"accounts"`

	// Session
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Metrics
	Metrics MetricsConfig `json:"metrics" mapstructure:"metrics"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Paths
	DataDir    string `json:"data_dir" mapstructure:"data_dir"`
	WorkingDir string `json:"working_dir" mapstructure:"working_dir"`
}

// BackendConfig holds coding-agent backend configuration
type BackendConfig struct {
	// Mode selects the transport: "cli" spawns the agent binary, "api"
	// talks to the messages API directly.
	Mode      string `json:"mode" mapstructure:"mode"`
	Binary    string `json:"binary" mapstructure:"binary"`
	APIKeyEnv string `json:"api_key_env" mapstructure:"api_key_env"`

	Model         string `json:"model" mapstructure:"model"`
	FallbackModel string `json:"fallback_model" mapstructure:"fallback_model"`

	SystemPrompt    []string `json:"system_prompt" mapstructure:"system_prompt"`
	AllowedTools    []string `json:"allowed_tools" mapstructure:"allowed_tools"`
	DisallowedTools []string `json:"disallowed_tools" mapstructure:"disallowed_tools"`
	PermissionMode  string   `json:"permission_mode" mapstructure:"permission_mode"`
}

// AccountsConfig holds credential-account configuration
type AccountsConfig struct {
	File             string `json:"file" mapstructure:"file"`
	UsageRefreshCron string `json:"usage_refresh_cron" mapstructure:"usage_refresh_cron"`
	RotationLimit    int    `json:"rotation_limit" mapstructure:"rotation_limit"`
}

// SessionConfig holds generation-loop tuning
type SessionConfig struct {
	InactivityTimeoutMinutes int    `json:"inactivity_timeout_minutes" mapstructure:"inactivity_timeout_minutes"`
	WatcherTimeoutSeconds    int    `json:"watcher_timeout_seconds" mapstructure:"watcher_timeout_seconds"`
	InitPromptMarker         string `json:"init_prompt_marker" mapstructure:"init_prompt_marker"`
}

// InactivityTimeout returns the configured timeout as a duration.
func (s SessionConfig) InactivityTimeout() time.Duration {
	return time.Duration(s.InactivityTimeoutMinutes) * time.Minute
}

// WatcherTimeout returns the configured watcher bound as a duration.
func (s SessionConfig) WatcherTimeout() time.Duration {
	return time.Duration(s.WatcherTimeoutSeconds) * time.Second
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	// MaxSizeMB rotates the log file before it grows past this size; zero
	// disables rotation.
	MaxSizeMB  int  `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDays int  `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendConfig{
			Mode:      "cli",
			Binary:    "claude",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		Accounts: AccountsConfig{
			UsageRefreshCron: "@every 5m",
			RotationLimit:    3,
		},
		Session: SessionConfig{
			InactivityTimeoutMinutes: 3,
			WatcherTimeoutSeconds:    10,
			InitPromptMarker:         "#init",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9187",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			Pretty:     true,
			Redaction:  true,
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			Compress:   true,
		},
	}
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Backend.Mode {
	case "cli":
		if c.Backend.Binary == "" {
			return fmt.Errorf("backend binary is required in cli mode")
		}
	case "api":
		if c.Backend.APIKeyEnv == "" {
			return fmt.Errorf("api key env var name is required in api mode")
		}
		if c.Backend.Model == "" {
			return fmt.Errorf("model is required in api mode")
		}
	default:
		return fmt.Errorf("invalid backend mode: %s (must be cli or api)", c.Backend.Mode)
	}

	if c.Session.InactivityTimeoutMinutes <= 0 {
		return fmt.Errorf("inactivity timeout must be positive, got %d", c.Session.InactivityTimeoutMinutes)
	}
	if c.Session.WatcherTimeoutSeconds <= 0 {
		return fmt.Errorf("watcher timeout must be positive, got %d", c.Session.WatcherTimeoutSeconds)
	}
	if c.Accounts.RotationLimit < 0 {
		return fmt.Errorf("rotation limit cannot be negative, got %d", c.Accounts.RotationLimit)
	}

	if c.Backend.PermissionMode != "" {
		valid := []string{"default", "acceptEdits", "bypassPermissions", "plan"}
		ok := false
		for _, v := range valid {
			if c.Backend.PermissionMode == v {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("invalid permission mode: %s (must be one of: %s)",
				c.Backend.PermissionMode, strings.Join(valid, ", "))
		}
	}

	if err := NewValidator().ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}
