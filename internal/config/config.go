package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models actionline.yml.
type Config struct {
	Workspace struct {
		Name string `yaml:"name"`
	} `yaml:"workspace"`
	Actions struct {
		// Catalog is an optional closed set of allowed action types. When
		// EnforceCatalog is true, composing with an unlisted type fails.
		Catalog map[string]ActionType `yaml:"catalog"`
		// ForbiddenTypes extends the built-in legacy guardrail set.
		ForbiddenTypes []string `yaml:"forbidden_types"`
		EnforceCatalog bool     `yaml:"enforce_catalog"`
	} `yaml:"actions"`
	References struct {
		// UniqueLinks rejects duplicate (action, source record, field) links.
		UniqueLinks bool `yaml:"unique_links"`
	} `yaml:"references"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ActionType struct {
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL string `yaml:"url"`
	// ContextID scopes deliveries to one context. Empty means all contexts.
	ContextID      string   `yaml:"context_id"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run actl init or create it", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Actions.EnforceCatalog && len(c.Actions.Catalog) == 0 {
		return fmt.Errorf("config.actions.enforce_catalog requires a non-empty catalog")
	}
	for name := range c.Actions.Catalog {
		if name == "" {
			return fmt.Errorf("config.actions.catalog contains empty type name")
		}
	}
	for i, t := range c.Actions.ForbiddenTypes {
		if t == "" {
			return fmt.Errorf("config.actions.forbidden_types[%d] is empty", i)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "actionline.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workspace:
  name: actionline

actions:
  catalog:
    TASK:
      description: "A unit of work"
    BUG:
      description: "A defect to fix"
    NOTE:
      description: "A free-form annotation"
  enforce_catalog: false

references:
  unique_links: false

webhooks: []
`
