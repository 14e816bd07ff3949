package align

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Thresholds are the error boundaries between outcome tiers. Excellent and
// Poor bound the tiers; Good is also the acceptance threshold of the first
// attempt.
type Thresholds struct {
	Excellent float64 `yaml:"excellent" json:"excellent"`
	Good      float64 `yaml:"good" json:"good"`
	Poor      float64 `yaml:"poor" json:"poor"`
}

// DefaultThresholds returns 10 / 100 / 10000.
func DefaultThresholds() Thresholds {
	return Thresholds{Excellent: 10, Good: 100, Poor: 10000}
}

// Validate requires 0 < Excellent < Good < Poor.
func (t Thresholds) Validate() error {
	if !(t.Excellent > 0 && t.Excellent < t.Good && t.Good < t.Poor) {
		return fmt.Errorf("thresholds must satisfy 0 < excellent < good < poor, got %v / %v / %v", t.Excellent, t.Good, t.Poor)
	}
	return nil
}

// PredictorConfig selects and configures the external predictor. URL takes
// precedence over Command.
type PredictorConfig struct {
	Command    []string      `yaml:"command,omitempty"`
	Dir        string        `yaml:"dir,omitempty"`
	URL        string        `yaml:"url,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries,omitempty"`
}

// MQTTConfig holds broker settings for outcome publishing.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty"`
	ClientID      string `yaml:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty"`
	Password      string `yaml:"password,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty"`
}

// Config is the complete alignment configuration.
type Config struct {
	TargetFaceHeight    float64           `yaml:"targetFaceHeight"`
	PreserveScale       bool              `yaml:"preserveScale"`
	Thresholds          Thresholds        `yaml:"thresholds"`
	Scoring             ScoringPolicy     `yaml:"scoring"`
	Predictor           PredictorConfig   `yaml:"predictor"`
	Methods             map[Method]string `yaml:"methods"`
	VerifyMethodConfigs bool              `yaml:"verifyMethodConfigs"`
	ReferenceTemplate   string            `yaml:"referenceTemplate"`
	Workers             int               `yaml:"workers"`
	Overrides           Overrides         `yaml:"overrides,omitempty"`
	MQTT                MQTTConfig        `yaml:"mqtt,omitempty"`
	HistoryDB           string            `yaml:"historyDB,omitempty"`
	Previews            bool              `yaml:"previews"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		TargetFaceHeight: 190,
		PreserveScale:    true,
		Thresholds:       DefaultThresholds(),
		Scoring:          DefaultScoringPolicy(),
		Predictor: PredictorConfig{
			Command: []string{"python", "predict.py", "--c", "{config}", "--n", "{mesh}"},
			Timeout: DefaultPredictorTimeout,
		},
		Methods: map[Method]string{
			MethodAnatomical: "configs/DTU3D-anatomical.json",
			MethodUltimate:   "configs/DTU3D-PLY-ultimate-final.json",
		},
		ReferenceTemplate: "assets/testmeshA.obj",
		Workers:           4,
		MQTT: MQTTConfig{
			ClientID:      "facealign",
			PublishPrefix: "facealign",
		},
	}
}

// LoadConfig loads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks field ranges and method names.
func (c *Config) Validate() error {
	if c.TargetFaceHeight <= 0 {
		return fmt.Errorf("targetFaceHeight must be positive, got %v", c.TargetFaceHeight)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.Predictor.Timeout < 0 {
		return fmt.Errorf("predictor.timeout must not be negative")
	}
	for m := range c.Methods {
		if !m.Valid() {
			return fmt.Errorf("methods: unknown method %q", m)
		}
	}
	for id, m := range c.Overrides {
		if !m.Valid() {
			return fmt.Errorf("overrides[%s]: unknown method %q", id, m)
		}
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// MethodConfigs maps each method to the configuration handle passed to the
// predictor.
type MethodConfigs struct {
	Handles map[Method]string
	// VerifyFiles treats a handle naming a file that does not exist as
	// missing.
	VerifyFiles bool
}

// Lookup returns the handle for m or an error wrapping
// ErrConfigurationMissing.
func (c MethodConfigs) Lookup(m Method) (string, error) {
	h, ok := c.Handles[m]
	if !ok || h == "" {
		return "", fmt.Errorf("%w: no predictor config for method %s", ErrConfigurationMissing, m)
	}
	if c.VerifyFiles {
		if _, err := os.Stat(h); err != nil {
			return "", fmt.Errorf("%w: predictor config %s for method %s: %v", ErrConfigurationMissing, h, m, err)
		}
	}
	return h, nil
}

// Overrides forces a method for specific mesh IDs, bypassing the scorer.
type Overrides map[string]Method

// Lookup returns the forced method for id, if any.
func (o Overrides) Lookup(id string) (Method, bool) {
	m, ok := o[id]
	return m, ok && m.Valid()
}

// Merge returns a copy of o with other's entries taking precedence.
func (o Overrides) Merge(other Overrides) Overrides {
	out := make(Overrides, len(o)+len(other))
	for k, v := range o {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}
