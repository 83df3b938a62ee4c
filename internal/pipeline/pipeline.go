// Package pipeline runs the export sequence: build, compile, train, convert,
// verify and write the TFLite artifact.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"plant-detector/internal/config"
	"plant-detector/internal/dataset"
	"plant-detector/internal/logging"
	"plant-detector/internal/model"
	"plant-detector/internal/report"
	"plant-detector/internal/tflite"
	"plant-detector/internal/trainer"
	"plant-detector/internal/version"
)

// SuccessMessage is printed to stdout once the artifact is on disk.
const SuccessMessage = "Model saved successfully!"

// shardPendingCap bounds how many half-paired shard members may be buffered.
const shardPendingCap = 256

// Result describes a completed export.
type Result struct {
	Path    string
	Bytes   int
	RunID   string
	Seed    int64
	History trainer.History
}

// Run executes the export described by cfg and prints SuccessMessage to stdout.
// Errors name the step that failed; nothing is retried. SuccessMessage is
// printed only when Run returns a nil error.
func Run(ctx context.Context, cfg *config.Config, stdout io.Writer) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	runID := uuid.NewString()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	logging.Logf("run_id=%s seed=%d version=%s", runID, seed, version.String())

	mdl, err := model.NewPlantDetector(cfg.Model, seed)
	if err != nil {
		return nil, fmt.Errorf("build model: %w", err)
	}
	for _, line := range strings.Split(mdl.Summary(), "\n") {
		logging.Logf("%s", line)
	}
	err = mdl.Compile(model.CompileOptions{
		Optimizer:    cfg.Optimizer,
		LearningRate: cfg.LearningRate,
		Loss:         cfg.Loss,
		Metrics:      cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}

	data, err := loadData(ctx, cfg, seed)
	if err != nil {
		return nil, fmt.Errorf("load data: %w", err)
	}
	hist, err := trainer.Fit(ctx, mdl, data, trainer.RunConfig{
		Epochs:    cfg.Epochs,
		BatchSize: cfg.BatchSize,
		Shuffle:   true,
		LogEvery:  cfg.LogEvery,
		Seed:      seed,
	})
	if err != nil {
		return nil, fmt.Errorf("train: %w", err)
	}

	conv := tflite.NewConverter(mdl)
	if cfg.Float16 {
		conv.Optimizations = []tflite.Optimization{tflite.OptimizeDefault}
		conv.SupportedTypes = []tflite.TensorType{tflite.Float16}
	}
	conv.Description = "plant-detector " + version.String()
	conv.Metadata = map[string][]byte{"export_run_id": []byte(runID)}
	buf, err := conv.Convert()
	if err != nil {
		return nil, fmt.Errorf("convert: %w", err)
	}
	if err := verify(buf, mdl); err != nil {
		return nil, fmt.Errorf("verify: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(cfg.OutputPath, buf, 0o644); err != nil {
		return nil, fmt.Errorf("write model: %w", err)
	}
	logging.Logf("path=%s bytes=%d", cfg.OutputPath, len(buf))

	// The success line is the last step; nothing after it may fail.
	if cfg.LossPlot != "" {
		if err := report.SaveLossPlot(cfg.LossPlot, hist); err != nil {
			return nil, fmt.Errorf("loss plot: %w", err)
		}
		logging.Logf("loss_plot=%s", cfg.LossPlot)
	}
	if _, err := fmt.Fprintln(stdout, SuccessMessage); err != nil {
		return nil, fmt.Errorf("report success: %w", err)
	}

	return &Result{
		Path:    cfg.OutputPath,
		Bytes:   len(buf),
		RunID:   runID,
		Seed:    seed,
		History: hist,
	}, nil
}

func loadData(ctx context.Context, cfg *config.Config, seed int64) (dataset.Dataset, error) {
	shape := cfg.Model.InputShape
	if cfg.TrainRoot == "" {
		return dataset.NewSynthetic(cfg.Samples, shape, seed), nil
	}
	shards, err := dataset.DiscoverShards(cfg.TrainRoot)
	if err != nil {
		return nil, err
	}
	if len(shards) == 0 {
		return nil, fmt.Errorf("no shards discovered under %s", cfg.TrainRoot)
	}
	logging.Logf("root=%s shards=%d", cfg.TrainRoot, len(shards))
	data, err := dataset.LoadShards(ctx, shards, shape, shardPendingCap)
	if err != nil {
		return nil, err
	}
	logging.Logf("root=%s samples=%d", cfg.TrainRoot, data.Len())
	return data, nil
}

// verify re-reads the serialized model and checks its signature matches mdl.
func verify(buf []byte, mdl *model.Sequential) error {
	info, err := tflite.Parse(buf)
	if err != nil {
		return err
	}
	in, out := info.InputTensors(), info.OutputTensors()
	if len(in) != 1 || len(out) != 1 {
		return fmt.Errorf("want 1 input and 1 output, got %d and %d", len(in), len(out))
	}
	if want := append([]int{1}, mdl.InputShape()...); !slices.Equal(in[0].Shape, want) {
		return fmt.Errorf("input shape %v, want %v", in[0].Shape, want)
	}
	if want := append([]int{1}, mdl.OutputShape()...); !slices.Equal(out[0].Shape, want) {
		return fmt.Errorf("output shape %v, want %v", out[0].Shape, want)
	}
	return nil
}
