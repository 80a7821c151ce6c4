// Package config loads experiment definitions from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid experiment config")

// Experiment describes a batch of simulated selective-inference replicates.
type Experiment struct {
	Name      string `yaml:"name" json:"name"`
	Procedure string `yaml:"procedure" json:"procedure"`
	Family    string `yaml:"family" json:"family"`

	Instance  InstanceConfig  `yaml:"instance" json:"instance"`
	Inference InferenceConfig `yaml:"inference" json:"inference"`
	Run       RunConfig       `yaml:"run" json:"run"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
}

// InstanceConfig controls the simulated regression instance.
type InstanceConfig struct {
	N      int     `yaml:"n" json:"n"`
	P      int     `yaml:"p" json:"p"`
	S      int     `yaml:"s" json:"s"`
	Signal float64 `yaml:"signal" json:"signal"`
	Rho    float64 `yaml:"rho" json:"rho"`
	Sigma  float64 `yaml:"sigma" json:"sigma"`
}

// InferenceConfig controls selection and the inference that follows it.
type InferenceConfig struct {
	RandomizerScale  float64 `yaml:"randomizer_scale" json:"randomizer_scale"`
	Ridge            float64 `yaml:"ridge" json:"ridge"`
	LambdaMultiplier float64 `yaml:"lambda_multiplier" json:"lambda_multiplier"`
	Level            float64 `yaml:"level" json:"level"`
	ScreeningLevel   float64 `yaml:"screening_level" json:"screening_level"`
	// Pivots turns on sampling-based pivots and intervals.
	Pivots bool `yaml:"pivots" json:"pivots"`
	NDraw  int  `yaml:"ndraw" json:"ndraw"`
	Burnin int  `yaml:"burnin" json:"burnin"`
	MLE    bool `yaml:"mle" json:"mle"`
}

type RunConfig struct {
	Replicates int   `yaml:"replicates" json:"replicates"`
	Workers    int   `yaml:"workers" json:"workers"`
	Seed       int64 `yaml:"seed" json:"seed"`
}

type StorageConfig struct {
	Kind         string `yaml:"kind" json:"kind"`
	DBPath       string `yaml:"db_path" json:"db_path"`
	ArtifactsDir string `yaml:"artifacts_dir" json:"artifacts_dir"`
}

// Default returns the configuration used when no file is given.
func Default() Experiment {
	return Experiment{
		Name:      "gaussian-slope",
		Procedure: "slope",
		Family:    "gaussian",
		Instance: InstanceConfig{
			N:      200,
			P:      20,
			S:      3,
			Signal: 1,
			Rho:    0.2,
			Sigma:  1,
		},
		Inference: InferenceConfig{
			LambdaMultiplier: 1,
			Level:            0.9,
			ScreeningLevel:   0.1,
			Pivots:           true,
			NDraw:            2000,
			Burnin:           500,
			MLE:              true,
		},
		Run: RunConfig{
			Replicates: 20,
			Workers:    4,
			Seed:       1,
		},
		Storage: StorageConfig{
			Kind:         "memory",
			ArtifactsDir: "artifacts",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Experiment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Experiment{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Experiment, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Experiment{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Experiment{}, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent field.
func (c Experiment) Validate() error {
	switch c.Procedure {
	case "slope", "screening":
	default:
		return fmt.Errorf("%w: unknown procedure %q", ErrInvalidConfig, c.Procedure)
	}
	switch c.Family {
	case "gaussian":
	case "logistic":
		if c.Procedure != "slope" {
			return fmt.Errorf("%w: logistic family requires the slope procedure", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown family %q", ErrInvalidConfig, c.Family)
	}
	in := c.Instance
	if in.N <= 1 || in.P <= 0 {
		return fmt.Errorf("%w: n must exceed 1 and p must be positive", ErrInvalidConfig)
	}
	if in.S < 0 || in.S > in.P {
		return fmt.Errorf("%w: sparsity %d outside [0, %d]", ErrInvalidConfig, in.S, in.P)
	}
	if in.Rho < 0 || in.Rho >= 1 {
		return fmt.Errorf("%w: rho must lie in [0, 1)", ErrInvalidConfig)
	}
	if in.Signal < 0 || in.Sigma <= 0 {
		return fmt.Errorf("%w: signal must be nonnegative and sigma positive", ErrInvalidConfig)
	}
	inf := c.Inference
	if inf.RandomizerScale < 0 || inf.Ridge < 0 || inf.LambdaMultiplier <= 0 {
		return fmt.Errorf("%w: randomizer scale and ridge must be nonnegative, lambda multiplier positive", ErrInvalidConfig)
	}
	if !(inf.Level > 0 && inf.Level < 1) {
		return fmt.Errorf("%w: level must lie in (0, 1)", ErrInvalidConfig)
	}
	if !(inf.ScreeningLevel > 0 && inf.ScreeningLevel < 1) {
		return fmt.Errorf("%w: screening level must lie in (0, 1)", ErrInvalidConfig)
	}
	if inf.Pivots && (inf.NDraw <= 0 || inf.Burnin < 0) {
		return fmt.Errorf("%w: ndraw must be positive and burnin nonnegative", ErrInvalidConfig)
	}
	if c.Run.Replicates <= 0 || c.Run.Workers <= 0 {
		return fmt.Errorf("%w: replicates and workers must be positive", ErrInvalidConfig)
	}
	switch c.Storage.Kind {
	case "", "memory":
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("%w: sqlite storage requires db_path", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage kind %q", ErrInvalidConfig, c.Storage.Kind)
	}
	return nil
}

// Map flattens the config for artifacts.
func (c Experiment) Map() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	out := map[string]any{}
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("flatten config: %w", err)
	}
	return out, nil
}
