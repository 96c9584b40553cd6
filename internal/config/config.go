package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Always-allowed field keys: every recipe accepts these even when its schema
// does not declare them.
var AlwaysAllowedFields = []string{"title", "description"}

// FallbackSlot is the generic reference slot used when a recipe declares no
// slots of its own.
const FallbackSlot = "related_record"

// Config models actionline.yml.
type Config struct {
	Workspace struct {
		ID string `yaml:"id"`
	} `yaml:"workspace"`
	Recipes struct {
		Catalog map[string]Recipe `yaml:"catalog"`
	} `yaml:"recipes"`
	Server struct {
		BasePath string `yaml:"base_path"`
		Addr     string `yaml:"addr"`
	} `yaml:"server"`
	Resolver struct {
		TimeoutMS int `yaml:"timeout_ms"`
	} `yaml:"resolver"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Recipe is the read-only schema for one action type: permitted fields and
// reference slots.
type Recipe struct {
	Fields []FieldDescriptor `yaml:"fields"`
	Slots  []SlotDescriptor  `yaml:"slots"`
}

type FieldDescriptor struct {
	Key      string `yaml:"key"`
	Type     string `yaml:"type"`
	Required bool   `yaml:"required"`
}

type SlotDescriptor struct {
	Key      string `yaml:"key"`
	Multiple bool   `yaml:"multiple"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Enabled        *bool    `yaml:"enabled"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Secret         string   `yaml:"secret"`
}

var fieldTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"boolean": true,
	"object":  true,
	"array":   true,
	"date":    true,
}

// Recipe looks up a recipe by action type name.
func (c *Config) Recipe(name string) (Recipe, bool) {
	r, ok := c.Recipes.Catalog[name]
	return r, ok
}

// Field returns the descriptor for key, if the recipe declares it.
func (r Recipe) Field(key string) (FieldDescriptor, bool) {
	for _, f := range r.Fields {
		if f.Key == key {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

// Slot returns the descriptor for key. Recipes without slots expose the
// generic related_record fallback.
func (r Recipe) Slot(key string) (SlotDescriptor, bool) {
	if len(r.Slots) == 0 {
		if key == FallbackSlot {
			return SlotDescriptor{Key: FallbackSlot, Multiple: true}, true
		}
		return SlotDescriptor{}, false
	}
	for _, s := range r.Slots {
		if s.Key == key {
			return s, true
		}
	}
	return SlotDescriptor{}, false
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with al init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if len(c.Recipes.Catalog) == 0 {
		return fmt.Errorf("config.recipes.catalog is required")
	}
	for name, recipe := range c.Recipes.Catalog {
		if name == "" {
			return fmt.Errorf("config.recipes.catalog contains empty recipe name")
		}
		seenFields := map[string]bool{}
		for _, f := range recipe.Fields {
			if f.Key == "" {
				return fmt.Errorf("recipe %s has field with empty key", name)
			}
			if seenFields[f.Key] {
				return fmt.Errorf("recipe %s declares field %s twice", name, f.Key)
			}
			seenFields[f.Key] = true
			if f.Type != "" && !fieldTypes[f.Type] {
				return fmt.Errorf("recipe %s field %s has unknown type %s", name, f.Key, f.Type)
			}
		}
		seenSlots := map[string]bool{}
		for _, s := range recipe.Slots {
			if s.Key == "" {
				return fmt.Errorf("recipe %s has slot with empty key", name)
			}
			if seenSlots[s.Key] {
				return fmt.Errorf("recipe %s declares slot %s twice", name, s.Key)
			}
			seenSlots[s.Key] = true
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

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	cfg.Workspace.ID = workspaceID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	return &cfg
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
  id: %s

recipes:
  catalog:
    Task:
      fields:
        - key: title
          type: string
          required: true
        - key: description
          type: string
        - key: due_date
          type: date
        - key: priority
          type: number
      slots:
        - key: related_record
          multiple: true
        - key: blocked_by

    Meeting:
      fields:
        - key: title
          type: string
          required: true
        - key: agenda
          type: string
        - key: scheduled_at
          type: date
      slots:
        - key: attendee
          multiple: true
        - key: minutes_doc

    Decision:
      fields:
        - key: title
          type: string
          required: true
        - key: rationale
          type: string
        - key: alternatives
          type: array

server:
  base_path: /v0
  addr: 127.0.0.1:8787

resolver:
  timeout_ms: 3000
`
