package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults for the analytics thresholds, matching the dashboard's historical
// behavior: 3 closely-spaced bookings within 7 days flags overload, songs
// played in the last 15 days sit out of rotation suggestions.
const (
	DefaultOverloadThreshold    = 3
	DefaultOverloadWindowDays   = 7
	DefaultRotationCooldownDays = 15
	DefaultTopN                 = 5
)

// Config models rosterline.yml.
type Config struct {
	Group struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"group"`
	Analytics struct {
		OverloadThreshold    int `yaml:"overload_threshold"`
		OverloadWindowDays   int `yaml:"overload_window_days"`
		RotationCooldownDays int `yaml:"rotation_cooldown_days"`
		TopN                 int `yaml:"top_n"`
	} `yaml:"analytics"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one notification endpoint fed from the activity ledger.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	Secret         string   `yaml:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".rosterline", "rosterline.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("rosterline"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func Default(groupID string) *Config {
	cfg := &Config{}
	cfg.Group.ID = groupID
	cfg.Group.Name = "Rosterline"
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Group.ID == "" {
		c.Group.ID = "rosterline"
	}
	if c.Analytics.OverloadThreshold == 0 {
		c.Analytics.OverloadThreshold = DefaultOverloadThreshold
	}
	if c.Analytics.OverloadWindowDays == 0 {
		c.Analytics.OverloadWindowDays = DefaultOverloadWindowDays
	}
	if c.Analytics.RotationCooldownDays == 0 {
		c.Analytics.RotationCooldownDays = DefaultRotationCooldownDays
	}
	if c.Analytics.TopN == 0 {
		c.Analytics.TopN = DefaultTopN
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Group.ID == "" {
		return fmt.Errorf("config.group.id is required")
	}
	if c.Analytics.OverloadThreshold < 1 {
		return fmt.Errorf("config.analytics.overload_threshold must be >= 1")
	}
	if c.Analytics.OverloadWindowDays < 0 {
		return fmt.Errorf("config.analytics.overload_window_days must not be negative")
	}
	if c.Analytics.RotationCooldownDays < 0 {
		return fmt.Errorf("config.analytics.rotation_cooldown_days must not be negative")
	}
	if c.Analytics.TopN < 1 {
		return fmt.Errorf("config.analytics.top_n must be >= 1")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Save writes the config to the workspace.
func (c *Config) Save(workspace string) error {
	if err := c.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	path := Path(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
