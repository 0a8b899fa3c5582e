package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models missionline.yml.
type Config struct {
	Budgets struct {
		DefaultMaxCostUSD      float64 `yaml:"default_max_cost_usd"`
		DefaultRepairBudgetUSD float64 `yaml:"default_repair_budget_usd"`
	} `yaml:"budgets"`
	Backpressure struct {
		BaseLimit    int     `yaml:"base_limit"`
		PerTaskLimit int     `yaml:"per_task_limit"`
		ResumeRatio  float64 `yaml:"resume_ratio"`
	} `yaml:"backpressure"`
	Locks struct {
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"locks"`
	Repair struct {
		MaxContextLen int `yaml:"max_context_len"`
	} `yaml:"repair"`
	Envelope struct {
		TimeoutSeconds int  `yaml:"timeout_seconds"`
		RejectSymlinks bool `yaml:"reject_symlinks"`
	} `yaml:"envelope"`
	Routing struct {
		// ExtraPairs append to the built-in whitelist; they can never remove
		// a built-in pair.
		ExtraPairs []RoutePair `yaml:"extra_pairs"`
	} `yaml:"routing"`
	Server struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

type RoutePair struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
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
	if c.Backpressure.BaseLimit <= 0 {
		return fmt.Errorf("config.backpressure.base_limit must be positive")
	}
	if c.Backpressure.PerTaskLimit <= 0 {
		return fmt.Errorf("config.backpressure.per_task_limit must be positive")
	}
	if c.Backpressure.ResumeRatio <= 0 || c.Backpressure.ResumeRatio >= 1 {
		return fmt.Errorf("config.backpressure.resume_ratio must be in (0,1)")
	}
	if c.Locks.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.locks.timeout_seconds must be positive")
	}
	if c.Repair.MaxContextLen <= 0 {
		return fmt.Errorf("config.repair.max_context_len must be positive")
	}
	if c.Envelope.TimeoutSeconds <= 0 {
		return fmt.Errorf("config.envelope.timeout_seconds must be positive")
	}
	if c.Budgets.DefaultMaxCostUSD < 0 || c.Budgets.DefaultRepairBudgetUSD < 0 {
		return fmt.Errorf("config.budgets values must not be negative")
	}
	for _, p := range c.Routing.ExtraPairs {
		if p.From == "" || p.To == "" {
			return fmt.Errorf("config.routing.extra_pairs entries need from and to")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "missionline.yml")
}

// Default returns the built-in defaults.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, filling unset
// sections from the defaults.
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

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `budgets:
  default_max_cost_usd: 25.0
  default_repair_budget_usd: 5.0

backpressure:
  base_limit: 50
  per_task_limit: 10
  resume_ratio: 0.6

locks:
  timeout_seconds: 900

repair:
  max_context_len: 4000

envelope:
  timeout_seconds: 120
  reject_symlinks: true

routing:
  extra_pairs: []

server:
  jwt_secret: ""
`
