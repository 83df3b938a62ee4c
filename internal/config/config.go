package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Default values mirror the fixed constants of the export script.
const (
	DefaultOutputPath   = "../assets/ml/plant_detector.tflite"
	DefaultSamples      = 100
	DefaultEpochs       = 1
	DefaultBatchSize    = 32
	DefaultLearningRate = 0.001
	DefaultOptimizer    = "adam"
	DefaultLoss         = "binary_crossentropy"
	DefaultLogEvery     = 1
)

// Architecture describes the widths of the convolutional stack.
type Architecture struct {
	InputShape  []int `yaml:"input_shape"`
	ConvFilters []int `yaml:"conv_filters"`
	KernelSize  int   `yaml:"kernel_size"`
	PoolSize    int   `yaml:"pool_size"`
	DenseUnits  int   `yaml:"dense_units"`
}

// Config captures the runtime knobs for an export run.
type Config struct {
	OutputPath   string       `yaml:"output_path"`
	Samples      int          `yaml:"samples"`
	Epochs       int          `yaml:"epochs"`
	BatchSize    int          `yaml:"batch_size"`
	Seed         int64        `yaml:"seed"`
	LogEvery     int          `yaml:"log_every"`
	Optimizer    string       `yaml:"optimizer"`
	LearningRate float64      `yaml:"learning_rate"`
	Loss         string       `yaml:"loss"`
	Metrics      []string     `yaml:"metrics"`
	Float16      bool         `yaml:"float16"`
	TrainRoot    string       `yaml:"train_root"`
	LossPlot     string       `yaml:"loss_plot"`
	Model        Architecture `yaml:"model"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	OutputPath string
	Samples    int
	Epochs     int
	BatchSize  int
	Seed       int64
	LogEvery   int
	TrainRoot  string
	LossPlot   string
}

// DefaultArchitecture returns the 224x224 plant detector stack.
func DefaultArchitecture() Architecture {
	return Architecture{
		InputShape:  []int{224, 224, 3},
		ConvFilters: []int{32, 64, 64},
		KernelSize:  3,
		PoolSize:    2,
		DenseUnits:  64,
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		OutputPath:   DefaultOutputPath,
		Samples:      DefaultSamples,
		Epochs:       DefaultEpochs,
		BatchSize:    DefaultBatchSize,
		LogEvery:     DefaultLogEvery,
		Optimizer:    DefaultOptimizer,
		LearningRate: DefaultLearningRate,
		Loss:         DefaultLoss,
		Metrics:      []string{"accuracy"},
		Float16:      true,
		Model:        DefaultArchitecture(),
	}
}

// Load reads a Config from YAML on top of the defaults and validates it.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := parseYAML(f)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.OutputPath != "" {
		c.OutputPath = o.OutputPath
	}
	if o.Samples > 0 {
		c.Samples = o.Samples
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.TrainRoot != "" {
		c.TrainRoot = o.TrainRoot
	}
	if o.LossPlot != "" {
		c.LossPlot = o.LossPlot
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.OutputPath == "" {
		return errors.New("output_path must be set")
	}
	if c.TrainRoot == "" && c.Samples <= 0 {
		return fmt.Errorf("samples must be > 0 (got %d)", c.Samples)
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("learning_rate must be >= 0 (got %g)", c.LearningRate)
	}
	if c.Optimizer == "" || c.Loss == "" {
		return errors.New("optimizer and loss must be set")
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if c.LogEvery <= 0 {
		c.LogEvery = DefaultLogEvery
	}
	return nil
}

// Validate checks the architecture has positive widths.
func (a Architecture) Validate() error {
	if len(a.InputShape) != 3 {
		return fmt.Errorf("input_shape must have 3 dims (got %v)", a.InputShape)
	}
	for _, d := range a.InputShape {
		if d <= 0 {
			return fmt.Errorf("input_shape dims must be > 0 (got %v)", a.InputShape)
		}
	}
	if len(a.ConvFilters) == 0 {
		return errors.New("conv_filters must not be empty")
	}
	for _, f := range a.ConvFilters {
		if f <= 0 {
			return fmt.Errorf("conv_filters must be > 0 (got %v)", a.ConvFilters)
		}
	}
	if a.KernelSize <= 0 || a.PoolSize <= 0 || a.DenseUnits <= 0 {
		return fmt.Errorf("kernel_size, pool_size and dense_units must be > 0 (got %d, %d, %d)",
			a.KernelSize, a.PoolSize, a.DenseUnits)
	}
	return nil
}

func parseYAML(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
