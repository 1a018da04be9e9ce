// Package config loads and validates the scriptor system configuration.
// The orchestrator must not start without a valid configuration: absence or
// a parse failure is fatal to the caller.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Paths are the filesystem locations every other component depends on.
// All of them are required.
type Paths struct {
	AgentsDir    string `yaml:"agents_dir"    validate:"required"`
	WorkflowsDir string `yaml:"workflows_dir" validate:"required"`
	TemplatesDir string `yaml:"templates_dir" validate:"required"`
	DataDir      string `yaml:"data_dir"      validate:"required"`
}

// Engine carries step-execution tunables.
type Engine struct {
	MinTimeout         Duration `yaml:"min_timeout"`
	MaxTimeout         Duration `yaml:"max_timeout"`
	DefaultTimeout     Duration `yaml:"default_timeout"`
	BatchWidth         int      `yaml:"batch_width"             validate:"gte=1"`
	CheckpointsEnabled bool     `yaml:"checkpoints_enabled"`
	CheckpointMaxAge   int      `yaml:"checkpoint_max_age_days" validate:"gte=1"`
}

// Retry carries backoff tunables for the error recovery manager.
type Retry struct {
	BaseDelay Duration `yaml:"base_delay"`
	MaxDelay  Duration `yaml:"max_delay"`
}

// Elicitation carries wait-registry tunables and the loaded method list
// offered in numbered selection mode.
type Elicitation struct {
	WaitTimeout Duration `yaml:"wait_timeout"`
	SweepAge    Duration `yaml:"sweep_age"`
	Methods     []string `yaml:"methods"`
}

// Completion configures the text-generation service client.
type Completion struct {
	Endpoint string   `yaml:"endpoint" validate:"required,url"`
	Timeout  Duration `yaml:"timeout"`
}

// Config is the one system configuration loaded at startup.
type Config struct {
	LogLevel      string      `yaml:"log_level"`
	Paths         Paths       `yaml:"paths"       validate:"required"`
	Engine        Engine      `yaml:"engine"`
	Retry         Retry       `yaml:"retry"`
	Elicitation   Elicitation `yaml:"elicitation"`
	Completion    Completion  `yaml:"completion"`
	CacheCapacity int         `yaml:"cache_capacity" validate:"gte=1"`
}

// Default returns the built-in defaults a loaded file is merged over.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Engine: Engine{
			MinTimeout:         Duration(5 * time.Second),
			MaxTimeout:         Duration(10 * time.Minute),
			DefaultTimeout:     Duration(2 * time.Minute),
			BatchWidth:         5,
			CheckpointsEnabled: true,
			CheckpointMaxAge:   7,
		},
		Retry: Retry{
			BaseDelay: Duration(time.Second),
			MaxDelay:  Duration(30 * time.Second),
		},
		Elicitation: Elicitation{
			WaitTimeout: Duration(5 * time.Minute),
			SweepAge:    Duration(10 * time.Minute),
			Methods: []string{
				"expand or contract for audience",
				"critique and refine",
				"identify potential risks",
				"challenge from critical perspective",
				"tree of thoughts deep dive",
				"assess alignment with overall goals",
				"agile team perspective shift",
				"stakeholder round table",
			},
		},
		Completion: Completion{
			Endpoint: "http://localhost:8801/v1/complete",
			Timeout:  Duration(2 * time.Minute),
		},
		CacheCapacity: 100,
	}
}

var validate = validator.New()

// Load reads the configuration file at path, overlays it on the built-in
// defaults and validates the result. Any failure here must abort startup.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return Parse(data)
}

// Parse overlays a YAML document on the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}
