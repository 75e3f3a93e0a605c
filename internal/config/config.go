package config

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Config represents the main membridge configuration
type Config struct {
	// Memobase holds the remote memory service connection settings
	Memobase MemobaseConfig `json:"memobase" mapstructure:"memobase"`

	// Ingress holds the HTTP ingress server configuration
	Ingress IngressConfig `json:"ingress" mapstructure:"ingress"`

	// Flush holds the scheduled buffer flush configuration
	Flush FlushConfig `json:"flush" mapstructure:"flush"`

	// Profile holds defaults for profile summary retrieval
	Profile ProfileConfig `json:"profile" mapstructure:"profile"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// MemobaseConfig holds remote memory service settings.
// These are read once at construction time and not revisited.
type MemobaseConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	APIKey  string `json:"api_key" mapstructure:"api_key"`
	UserID  string `json:"user_id" mapstructure:"user_id"` // optional pre-existing user
	Timeout int    `json:"timeout" mapstructure:"timeout"` // seconds, transport-level
}

// IngressConfig holds ingress server configuration
type IngressConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	SharedSecret       string `json:"shared_secret" mapstructure:"shared_secret"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// FlushConfig holds scheduled flush configuration
type FlushConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
}

// ProfileConfig holds profile summary defaults
type ProfileConfig struct {
	MaxTokens     int      `json:"max_tokens" mapstructure:"max_tokens"`
	PreferTopics  []string `json:"prefer_topics" mapstructure:"prefer_topics"`
	AssistantName string   `json:"assistant_name" mapstructure:"assistant_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Memobase: MemobaseConfig{
			Enabled: true,
			URL:     "http://localhost:8019",
			APIKey:  "",
			UserID:  "",
			Timeout: 30,
		},
		Ingress: IngressConfig{
			Host:               "0.0.0.0",
			Port:               8787,
			SharedSecret:       "",
			RateLimitPerMinute: 100,
		},
		Flush: FlushConfig{
			Enabled:  true,
			Schedule: "*/15 * * * *",
		},
		Profile: ProfileConfig{
			MaxTokens:     500,
			PreferTopics:  nil,
			AssistantName: "Assistant",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Redaction: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Memobase.Enabled {
		if c.Memobase.URL == "" {
			return fmt.Errorf("memobase url is required when memory is enabled")
		}
		parsed, err := url.Parse(c.Memobase.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("invalid memobase url: %s", c.Memobase.URL)
		}
		if c.Memobase.APIKey == "" {
			return fmt.Errorf("memobase api_key is required when memory is enabled")
		}
		if c.Memobase.Timeout < 0 {
			return fmt.Errorf("memobase timeout cannot be negative")
		}
	}

	if c.Ingress.Port <= 0 || c.Ingress.Port > 65535 {
		return fmt.Errorf("invalid ingress port: %d", c.Ingress.Port)
	}
	if c.Ingress.RateLimitPerMinute < 0 {
		return fmt.Errorf("ingress rate_limit_per_minute cannot be negative")
	}

	if c.Flush.Enabled && c.Flush.Schedule == "" {
		return fmt.Errorf("flush schedule is required when scheduled flush is enabled")
	}

	if c.Profile.MaxTokens <= 0 {
		return fmt.Errorf("profile max_tokens must be positive")
	}
	if c.Profile.AssistantName == "" {
		return fmt.Errorf("profile assistant_name cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}
