package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config models collabline.yml.
type Config struct {
	Marketplace struct {
		DefaultCollaboratorRole string `yaml:"default_collaborator_role" json:"default_collaborator_role"`
		MaxMessageLength        int    `yaml:"max_message_length" json:"max_message_length"`
		Applications            struct {
			PendingTTL    string `yaml:"pending_ttl" json:"pending_ttl"`
			SweepSchedule string `yaml:"sweep_schedule" json:"sweep_schedule"`
		} `yaml:"applications" json:"applications"`
	} `yaml:"marketplace" json:"marketplace"`
	Notifications struct {
		DefaultPageSize int `yaml:"default_page_size" json:"default_page_size"`
		MaxPageSize     int `yaml:"max_page_size" json:"max_page_size"`
	} `yaml:"notifications" json:"notifications"`
	RateLimit struct {
		RequestsPerSecond int `yaml:"requests_per_second" json:"requests_per_second"`
		Burst             int `yaml:"burst" json:"burst"`
	} `yaml:"rate_limit" json:"rate_limit"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled" json:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Marketplace.DefaultCollaboratorRole == "" {
		return fmt.Errorf("config.marketplace.default_collaborator_role is required")
	}
	if c.Marketplace.MaxMessageLength < 0 {
		return fmt.Errorf("config.marketplace.max_message_length must not be negative")
	}
	if ttl := c.Marketplace.Applications.PendingTTL; ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return fmt.Errorf("config.marketplace.applications.pending_ttl: %w", err)
		}
		if d < 0 {
			return fmt.Errorf("config.marketplace.applications.pending_ttl must not be negative")
		}
	}
	if spec := c.Marketplace.Applications.SweepSchedule; spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("config.marketplace.applications.sweep_schedule: %w", err)
		}
	}
	if c.Notifications.DefaultPageSize <= 0 {
		return fmt.Errorf("config.notifications.default_page_size must be positive")
	}
	if c.Notifications.MaxPageSize < c.Notifications.DefaultPageSize {
		return fmt.Errorf("config.notifications.max_page_size must be >= default_page_size")
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("config.rate_limit values must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if evt == "" {
				return fmt.Errorf("webhook %s has empty event type", hook.URL)
			}
		}
	}
	return nil
}

// PendingTTL returns the configured pending application TTL; zero disables expiry.
func (c *Config) PendingTTL() time.Duration {
	if c == nil || c.Marketplace.Applications.PendingTTL == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.Marketplace.Applications.PendingTTL)
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "collabline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys
// fall back to the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `marketplace:
  default_collaborator_role: member
  max_message_length: 2000
  applications:
    # Pending applications older than this are rejected by the sweeper.
    # Empty disables expiry.
    pending_ttl: ""
    sweep_schedule: "@hourly"

notifications:
  default_page_size: 50
  max_page_size: 200

rate_limit:
  requests_per_second: 20
  burst: 40

webhooks: []
`
