package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models crewcall.yml.
type Config struct {
	Band struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"band" json:"band"`
	Roles struct {
		// Hierarchy is ordered least to most privileged.
		Hierarchy []string `yaml:"hierarchy" json:"hierarchy"`
		Reviewers []string `yaml:"reviewers" json:"reviewers"`
		Moderator string   `yaml:"moderator" json:"moderator"`
	} `yaml:"roles" json:"roles"`
	Deliverable struct {
		SummaryMinChars   int `yaml:"summary_min_chars" json:"summary_min_chars"`
		NextStepsMaxChars int `yaml:"next_steps_max_chars" json:"next_steps_max_chars"`
	} `yaml:"deliverable" json:"deliverable"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with crew band config import --file <path>", path)
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
	if c.Band.ID == "" {
		return fmt.Errorf("config.band.id is required")
	}
	if len(c.Roles.Hierarchy) == 0 {
		return fmt.Errorf("config.roles.hierarchy is required")
	}
	seen := map[string]bool{}
	for _, r := range c.Roles.Hierarchy {
		if r == "" {
			return fmt.Errorf("config.roles.hierarchy contains empty role")
		}
		if seen[r] {
			return fmt.Errorf("config.roles.hierarchy repeats role %s", r)
		}
		seen[r] = true
	}
	if len(c.Roles.Reviewers) == 0 {
		return fmt.Errorf("config.roles.reviewers is required")
	}
	for _, r := range c.Roles.Reviewers {
		if !seen[r] {
			return fmt.Errorf("reviewer role %s not in hierarchy", r)
		}
	}
	if c.Roles.Moderator == "" {
		return fmt.Errorf("config.roles.moderator is required")
	}
	if !seen[c.Roles.Moderator] {
		return fmt.Errorf("moderator role %s not in hierarchy", c.Roles.Moderator)
	}
	if c.Deliverable.SummaryMinChars <= 0 {
		return fmt.Errorf("config.deliverable.summary_min_chars must be positive")
	}
	if c.Deliverable.NextStepsMaxChars <= 0 {
		return fmt.Errorf("config.deliverable.next_steps_max_chars must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// RoleRank returns the position of a role in the hierarchy, or -1 if unknown.
func (c *Config) RoleRank(role string) int {
	for i, r := range c.Roles.Hierarchy {
		if r == role {
			return i
		}
	}
	return -1
}

// RoleAtLeast reports whether role meets or exceeds min in the hierarchy.
// Unknown roles never qualify.
func (c *Config) RoleAtLeast(role, min string) bool {
	rr, mr := c.RoleRank(role), c.RoleRank(min)
	if rr < 0 || mr < 0 {
		return false
	}
	return rr >= mr
}

// IsReviewer reports whether role belongs to the reviewer set.
func (c *Config) IsReviewer(role string) bool {
	for _, r := range c.Roles.Reviewers {
		if r == role {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "crewcall.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(bandID string) string {
	return fmt.Sprintf(defaultTemplate, bandID, bandID)
}

// Default returns the default Config struct for a band.
func Default(bandID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(bandID)), &cfg)
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

const defaultTemplate = `band:
  id: %s
  name: %s

roles:
  hierarchy: [member, coordinator, moderator, admin]
  reviewers: [moderator, admin]
  moderator: moderator

deliverable:
  summary_min_chars: 30
  next_steps_max_chars: 4000
`
