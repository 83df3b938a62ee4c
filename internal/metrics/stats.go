package metrics

import (
	"time"

	"gonum.org/v1/gonum/stat"
)

// Window accumulates timing and loss stats across multiple steps.
type Window struct {
	samples int
	data    time.Duration
	compute time.Duration
	steps   int
	losses  []float64
	accs    []float64
	weights []float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, loss, accuracy float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.losses = append(w.losses, loss)
	w.accs = append(w.accs, accuracy)
	w.weights = append(w.weights, float64(batchSize))
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
		snap.MeanLoss = stat.Mean(w.losses, w.weights)
		snap.MeanAccuracy = stat.Mean(w.accs, w.weights)
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	w.losses = w.losses[:0]
	w.accs = w.accs[:0]
	w.weights = w.weights[:0]
	return snap
}

// Snapshot represents loggable metrics. MeanLoss and MeanAccuracy are
// weighted by batch size over the steps since the previous snapshot.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	MeanLoss     float64
	MeanAccuracy float64
}

// Running is the example-weighted mean of loss and accuracy over an epoch,
// the figure Keras reports in its progress bar.
type Running struct {
	n       int
	lossSum float64
	accSum  float64
}

// Add folds in a batch of n examples.
func (r *Running) Add(n int, loss, accuracy float64) {
	r.n += n
	r.lossSum += loss * float64(n)
	r.accSum += accuracy * float64(n)
}

// Loss is the running mean loss, or 0 before any batch.
func (r *Running) Loss() float64 {
	if r.n == 0 {
		return 0
	}
	return r.lossSum / float64(r.n)
}

// Accuracy is the running mean accuracy, or 0 before any batch.
func (r *Running) Accuracy() float64 {
	if r.n == 0 {
		return 0
	}
	return r.accSum / float64(r.n)
}

// Reset clears the accumulator for the next epoch.
func (r *Running) Reset() { *r = Running{} }
