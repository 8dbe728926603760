// Package config loads the assistant configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/inkwell-ai/inkwell/services/assistant/engine"
	"github.com/inkwell-ai/inkwell/services/assistant/llm"
)

// Duration wraps time.Duration so YAML values like "45s" and "2m"
// parse; yaml.v3 has no native duration support.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// EngineConfig holds the stuck-detection thresholds.
type EngineConfig struct {
	PauseThreshold     Duration `yaml:"pause_threshold"`
	LongPauseThreshold Duration `yaml:"long_pause_threshold"`
	StuckThreshold     float64  `yaml:"stuck_threshold" validate:"gte=0,lte=1"`
	FlowThreshold      float64  `yaml:"flow_threshold" validate:"gte=0,lte=1"`
	RewriteWindow      Duration `yaml:"rewrite_window"`
	NavigationWindow   Duration `yaml:"navigation_window"`
	CooldownPeriod     Duration `yaml:"cooldown_period"`
}

// ToEngine converts to the engine's config type. Zero values fall
// through to the engine's own defaults.
func (c EngineConfig) ToEngine() engine.Config {
	return engine.Config{
		PauseThreshold:     c.PauseThreshold.Std(),
		LongPauseThreshold: c.LongPauseThreshold.Std(),
		StuckThreshold:     c.StuckThreshold,
		FlowThreshold:      c.FlowThreshold,
		RewriteWindow:      c.RewriteWindow.Std(),
		NavigationWindow:   c.NavigationWindow.Std(),
		CooldownPeriod:     c.CooldownPeriod.Std(),
	}
}

// ProvidersConfig selects the preferred backend.
type ProvidersConfig struct {
	// Default is the preferred provider when it qualifies for a task.
	Default string `yaml:"default" validate:"omitempty,oneof=anthropic openai gemini"`

	// DefaultModel is the preferred model ID. Must belong to Default
	// when both are set; Load verifies this against the catalog.
	DefaultModel string `yaml:"default_model"`
}

// MonitorConfig controls the coordinating loop.
type MonitorConfig struct {
	// TickInterval is the engine recompute cadence.
	TickInterval Duration `yaml:"tick_interval"`
}

// LoggingConfig mirrors the logger setup options.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=text json"`
}

// Config is the root configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Engine    EngineConfig    `yaml:"engine"`
	Providers ProvidersConfig `yaml:"providers"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Engine: EngineConfig{
			PauseThreshold:     Duration(engine.DefaultPauseThreshold),
			LongPauseThreshold: Duration(engine.DefaultLongPauseThreshold),
			StuckThreshold:     engine.DefaultStuckThreshold,
			FlowThreshold:      engine.DefaultFlowThreshold,
			RewriteWindow:      Duration(engine.DefaultRewriteWindow),
			NavigationWindow:   Duration(engine.DefaultNavigationWindow),
			CooldownPeriod:     Duration(engine.DefaultCooldownPeriod),
		},
		Monitor: MonitorConfig{TickInterval: Duration(time.Second)},
	}
}

// Load reads, parses, and validates a YAML config file. Fields absent
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Engine.PauseThreshold > 0 && c.Engine.LongPauseThreshold > 0 &&
		c.Engine.LongPauseThreshold <= c.Engine.PauseThreshold {
		return fmt.Errorf("long_pause_threshold must exceed pause_threshold")
	}
	if c.Engine.FlowThreshold > c.Engine.StuckThreshold {
		return fmt.Errorf("flow_threshold must not exceed stuck_threshold")
	}
	if c.Providers.DefaultModel != "" {
		model, ok := catalogModel(c.Providers.DefaultModel)
		if !ok {
			return fmt.Errorf("unknown default_model %q", c.Providers.DefaultModel)
		}
		if c.Providers.Default != "" && string(model.Provider) != c.Providers.Default {
			return fmt.Errorf("default_model %q belongs to provider %s, not %s",
				model.ID, model.Provider, c.Providers.Default)
		}
	}
	return nil
}

func catalogModel(id string) (llm.Model, bool) {
	for _, m := range llm.Catalog {
		if m.ID == id {
			return m, true
		}
	}
	return llm.Model{}, false
}
