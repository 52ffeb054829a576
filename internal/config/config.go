package config

import (
	"encoding/json"
	"fmt"
)

// Config represents the main Senja configuration
type Config struct {
	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Approvals configuration
	Approvals ApprovalsConfig `json:"approvals" mapstructure:"approvals"`

	// Providers
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ApprovalsConfig holds approval coordinator configuration
type ApprovalsConfig struct {
	// Path of the shared approvals document. Defaults to
	// <data_dir>/approvals.json.
	Path string `json:"path" mapstructure:"path"`

	// DefaultTimeoutMs applies when a request carries no timeout.
	DefaultTimeoutMs int64 `json:"default_timeout_ms" mapstructure:"default_timeout_ms"`

	// SweepIntervalSeconds controls the periodic expiry sweep.
	SweepIntervalSeconds int `json:"sweep_interval_seconds" mapstructure:"sweep_interval_seconds"`

	// Watch enables the document file watcher for cross-process updates.
	Watch bool `json:"watch" mapstructure:"watch"`
}

// ProvidersConfig holds AI provider credentials
type ProvidersConfig struct {
	Profiles []ProviderProfile `json:"profiles" mapstructure:"profiles"`
}

// ProviderProfile represents one provider credential
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default string            `json:"default" mapstructure:"default"`
	Aliases map[string]string `json:"aliases" mapstructure:"aliases"`
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
		Gateway: GatewayConfig{
			Port:         8787,
			Host:         "127.0.0.1",
			SharedSecret: "",
		},
		Approvals: ApprovalsConfig{
			DefaultTimeoutMs:     600_000,
			SweepIntervalSeconds: 60,
			Watch:                true,
		},
		Providers: ProvidersConfig{
			Profiles: []ProviderProfile{},
		},
		Models: ModelsConfig{
			Default: "claude-sonnet-4",
			Aliases: map[string]string{
				"opus":   "claude-opus-4",
				"sonnet": "claude-sonnet-4",
				"gpt4":   "gpt-4-turbo",
			},
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
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", c.Gateway.Port)
	}
	if c.Gateway.Host == "" {
		return fmt.Errorf("gateway host is required")
	}

	if c.Approvals.DefaultTimeoutMs < 0 {
		return fmt.Errorf("approvals default_timeout_ms must be >= 0")
	}
	if c.Approvals.SweepIntervalSeconds < 0 {
		return fmt.Errorf("approvals sweep_interval_seconds must be >= 0")
	}

	for i, profile := range c.Providers.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("provider profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
		}
		validProviders := []string{"anthropic", "openai", "gemini"}
		valid := false
		for _, vp := range validProviders {
			if profile.Provider == vp {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: anthropic, openai, gemini)", profile.ID, profile.Provider)
		}
	}

	return nil
}
