package trainer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"plant-detector/internal/dataset"
	"plant-detector/internal/logging"
	"plant-detector/internal/metrics"
	"plant-detector/internal/model"
)

const defaultBatchSize = 32

// RunConfig captures the knobs required by the training loop.
type RunConfig struct {
	Epochs    int
	BatchSize int
	Shuffle   bool
	LogEvery  int
	Seed      int64
}

// StepRecord is the outcome of one optimizer step.
type StepRecord struct {
	Epoch    int
	Step     int
	Loss     float64
	Accuracy float64
}

// History is what Fit observed, per epoch and per step.
type History struct {
	Loss     []float64
	Accuracy []float64
	Steps    []StepRecord
}

// Fit trains mdl on data for cfg.Epochs passes in mini-batches. The last batch
// of an epoch may be short.
func Fit(ctx context.Context, mdl model.Model, data dataset.Dataset, cfg RunConfig) (History, error) {
	var hist History
	if cfg.Epochs <= 0 {
		return hist, errors.New("trainer: epochs must be > 0")
	}
	if data == nil || data.Len() == 0 {
		return hist, errors.New("trainer: empty dataset")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = 1
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	order := make([]int, data.Len())
	for i := range order {
		order[i] = i
	}
	stepsPerEpoch := (len(order) + cfg.BatchSize - 1) / cfg.BatchSize

	var window metrics.Window
	var running metrics.Running
	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		if cfg.Shuffle {
			rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		running.Reset()

		for step := 1; step <= stepsPerEpoch; step++ {
			if err := ctx.Err(); err != nil {
				return hist, err
			}

			startData := time.Now()
			lo := (step - 1) * cfg.BatchSize
			hi := min(lo+cfg.BatchSize, len(order))
			batch := nextBatch(data, order[lo:hi])
			dataTime := time.Since(startData)

			startCompute := time.Now()
			res, err := mdl.TrainStep(batch)
			if err != nil {
				return hist, fmt.Errorf("trainer: epoch %d step %d: %w", epoch, step, err)
			}
			computeTime := time.Since(startCompute)

			acc := res.Metrics["accuracy"]
			n := hi - lo
			window.Record(n, dataTime, computeTime, res.Loss, acc)
			running.Add(n, res.Loss, acc)
			hist.Steps = append(hist.Steps, StepRecord{Epoch: epoch, Step: step, Loss: res.Loss, Accuracy: acc})

			if step%cfg.LogEvery == 0 || step == stepsPerEpoch {
				snap := window.Snapshot()
				logging.Logf("epoch=%d step=%d/%d images_per_sec=%.1f data_ms=%.2f compute_ms=%.2f loss=%.4f accuracy=%.4f window_loss=%.4f window_accuracy=%.4f",
					epoch,
					step,
					stepsPerEpoch,
					snap.ImagesPerSec,
					snap.AvgDataMS,
					snap.AvgComputeMS,
					running.Loss(),
					running.Accuracy(),
					snap.MeanLoss,
					snap.MeanAccuracy,
				)
			}
		}

		hist.Loss = append(hist.Loss, running.Loss())
		hist.Accuracy = append(hist.Accuracy, running.Accuracy())
	}

	return hist, nil
}

func nextBatch(data dataset.Dataset, idx []int) model.Batch {
	batch := model.Batch{
		Inputs: make([][]float64, 0, len(idx)),
		Labels: make([][]float64, 0, len(idx)),
	}
	for _, i := range idx {
		s := data.Sample(i)
		batch.Inputs = append(batch.Inputs, s.Input)
		batch.Labels = append(batch.Labels, []float64{s.Label})
	}
	return batch
}
