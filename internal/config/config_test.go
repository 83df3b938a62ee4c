package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "../assets/ml/plant_detector.tflite", cfg.OutputPath)
	assert.Equal(t, 100, cfg.Samples)
	assert.Equal(t, 1, cfg.Epochs)
	assert.Equal(t, "adam", cfg.Optimizer)
	assert.Equal(t, "binary_crossentropy", cfg.Loss)
	assert.True(t, cfg.Float16)
	if diff := cmp.Diff([]int{224, 224, 3}, cfg.Model.InputShape); diff != "" {
		t.Fatalf("input shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{32, 64, 64}, cfg.Model.ConvFilters); diff != "" {
		t.Fatalf("conv filters mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
output_path: out/model.tflite
samples: 8
batch_size: 4
model:
  input_shape: [16, 16, 3]
  conv_filters: [2, 3, 3]
  kernel_size: 3
  pool_size: 2
  dense_units: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "out/model.tflite", cfg.OutputPath)
	assert.Equal(t, 8, cfg.Samples)
	assert.Equal(t, 4, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Epochs, "unset keys keep defaults")
	assert.Equal(t, 4, cfg.Model.DenseUnits)
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	path := writeConfig(t, "stepz: 3\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	path := writeConfig(t, "\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultSamples, cfg.Samples)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{OutputPath: "x.tflite", Epochs: 3, Seed: 9})

	assert.Equal(t, "x.tflite", cfg.OutputPath)
	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize, "zero override leaves value alone")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no output", func(c *Config) { c.OutputPath = "" }},
		{"no samples", func(c *Config) { c.Samples = 0 }},
		{"no epochs", func(c *Config) { c.Epochs = 0 }},
		{"no batch", func(c *Config) { c.BatchSize = -1 }},
		{"negative lr", func(c *Config) { c.LearningRate = -1 }},
		{"rank 2 input", func(c *Config) { c.Model.InputShape = []int{4, 4} }},
		{"zero filter", func(c *Config) { c.Model.ConvFilters = []int{2, 0} }},
		{"no dense", func(c *Config) { c.Model.DenseUnits = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateSamplesOptionalWithTrainRoot(t *testing.T) {
	cfg := Default()
	cfg.Samples = 0
	cfg.TrainRoot = "/data/shards"
	assert.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "plant-detector.yaml"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("configs/plant-detector.yaml drifted from Default() (-want +got):\n%s", diff)
	}
}
