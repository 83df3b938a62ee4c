package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-detector/internal/config"
	"plant-detector/internal/logging"
	"plant-detector/internal/tflite"
)

func TestMain(m *testing.M) {
	logging.SetLogger(nil)
	os.Exit(m.Run())
}

func tinyConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.OutputPath = filepath.Join(t.TempDir(), "assets", "ml", "plant_detector.tflite")
	cfg.Samples = 10
	cfg.BatchSize = 4
	cfg.Seed = 7
	cfg.Model = config.Architecture{
		InputShape:  []int{12, 12, 3},
		ConvFilters: []int{2, 2},
		KernelSize:  3,
		PoolSize:    2,
		DenseUnits:  4,
	}
	return cfg
}

func TestRunWritesArtifactAndPrintsSuccess(t *testing.T) {
	cfg := tinyConfig(t)
	var stdout bytes.Buffer

	res, err := Run(context.Background(), cfg, &stdout)
	require.NoError(t, err)

	assert.Equal(t, "Model saved successfully!\n", stdout.String())
	assert.Equal(t, cfg.OutputPath, res.Path)
	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, int64(7), res.Seed)
	require.Len(t, res.History.Steps, 3, "10 samples in batches of 4")

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	assert.Len(t, data, res.Bytes)

	info, err := tflite.Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{1, 12, 12, 3}, info.InputTensors()[0].Shape); diff != "" {
		t.Fatalf("input shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1}, info.OutputTensors()[0].Shape); diff != "" {
		t.Fatalf("output shape (-want +got):\n%s", diff)
	}
	assert.Equal(t, []byte(res.RunID), info.Metadata["export_run_id"])
	assert.Contains(t, info.OperatorNames(), "DEQUANTIZE")
}

func TestRunOverwritesExistingArtifact(t *testing.T) {
	cfg := tinyConfig(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755))
	require.NoError(t, os.WriteFile(cfg.OutputPath, bytes.Repeat([]byte("x"), 1<<20), 0o644))

	var stdout bytes.Buffer
	res, err := Run(context.Background(), cfg, &stdout)
	require.NoError(t, err)

	st, err := os.Stat(cfg.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, int64(res.Bytes), st.Size(), "file is truncated, not appended")

	stdout.Reset()
	_, err = Run(context.Background(), cfg, &stdout)
	require.NoError(t, err, "second run into an existing directory")
	assert.Equal(t, "Model saved successfully!\n", stdout.String())
}

func TestRunFailsWhenDirectoryCannotBeCreated(t *testing.T) {
	cfg := tinyConfig(t)
	blocker := filepath.Join(t.TempDir(), "assets")
	require.NoError(t, os.WriteFile(blocker, []byte("not a dir"), 0o644))
	cfg.OutputPath = filepath.Join(blocker, "ml", "plant_detector.tflite")

	var stdout bytes.Buffer
	_, err := Run(context.Background(), cfg, &stdout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create output dir")
	assert.Empty(t, stdout.String())
	assert.NoFileExists(t, cfg.OutputPath)
}

func TestRunWithoutFloat16KeepsFloat32Weights(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Float16 = false

	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	info, err := tflite.Parse(data)
	require.NoError(t, err)
	assert.NotContains(t, info.OperatorNames(), "DEQUANTIZE")
}

func TestRunWritesLossPlot(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.LossPlot = filepath.Join(t.TempDir(), "loss.png")

	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.NoError(t, err)
	assert.FileExists(t, cfg.LossPlot)
}

func TestRunRejectsEmptyTrainRoot(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.TrainRoot = t.TempDir()

	var stdout bytes.Buffer
	_, err := Run(context.Background(), cfg, &stdout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no shards discovered")
	assert.NoFileExists(t, cfg.OutputPath)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	cfg := tinyConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, cfg, &bytes.Buffer{})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, cfg.OutputPath)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Epochs = 0

	_, err := Run(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.NoFileExists(t, cfg.OutputPath)
}

func TestRunFailsOnReadOnlyDirectory(t *testing.T) {
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("directory permissions are not enforced for this user")
	}
	cfg := tinyConfig(t)
	dir := filepath.Join(t.TempDir(), "ml")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })
	cfg.OutputPath = filepath.Join(dir, "plant_detector.tflite")

	var stdout bytes.Buffer
	_, err := Run(context.Background(), cfg, &stdout)
	require.ErrorIs(t, err, os.ErrPermission)
	assert.Contains(t, err.Error(), "write model")
	assert.Empty(t, stdout.String())
	assert.NoFileExists(t, cfg.OutputPath)
}

func TestRunLossPlotFailurePrintsNothing(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.LossPlot = filepath.Join(t.TempDir(), "missing-dir", "loss.png")

	var stdout bytes.Buffer
	_, err := Run(context.Background(), cfg, &stdout)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loss plot")
	assert.Empty(t, stdout.String(), "success line only accompanies a nil error")
}

func TestRunDefaultArchitecture(t *testing.T) {
	if testing.Short() {
		t.Skip("trains the full 224x224 model on 100 examples")
	}
	cfg := config.Default()
	cfg.OutputPath = filepath.Join(t.TempDir(), "assets", "ml", "plant_detector.tflite")

	var stdout bytes.Buffer
	res, err := Run(context.Background(), cfg, &stdout)
	require.NoError(t, err)
	assert.Equal(t, "Model saved successfully!\n", stdout.String())

	require.Len(t, res.History.Steps, 4, "100 examples in batches of 32")
	assert.Equal(t, 4, res.History.Steps[3].Step)
	require.Len(t, res.History.Loss, 1)

	data, err := os.ReadFile(cfg.OutputPath)
	require.NoError(t, err)
	info, err := tflite.Parse(data)
	require.NoError(t, err)
	if diff := cmp.Diff([]int{1, 224, 224, 3}, info.InputTensors()[0].Shape); diff != "" {
		t.Fatalf("input shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1}, info.OutputTensors()[0].Shape); diff != "" {
		t.Fatalf("output shape (-want +got):\n%s", diff)
	}

	params := 0
	for _, tensor := range info.Tensors {
		if tensor.Type == tflite.Float16 {
			params += len(tensor.Data) / 2
		}
	}
	assert.Equal(t, 11132033, params)
}
