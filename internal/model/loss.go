package model

import (
	"fmt"
	"math"
)

const epsilon = 1e-7

// Loss scores one prediction against its target.
type Loss interface {
	Name() string
	Compute(pred, target []float64) float64
	// Gradient writes dLoss/dPred into grad.
	Gradient(pred, target, grad []float64)
}

// Metric scores one prediction against its target; batch values are means.
type Metric interface {
	Name() string
	Compute(pred, target []float64) float64
}

// NewLoss resolves a loss by its Keras identifier.
func NewLoss(name string) (Loss, error) {
	switch name {
	case "binary_crossentropy":
		return BinaryCrossentropy{}, nil
	case "mean_squared_error", "mse":
		return MeanSquaredError{}, nil
	default:
		return nil, fmt.Errorf("unknown loss %q", name)
	}
}

// NewMetric resolves a metric by its Keras identifier.
func NewMetric(name string) (Metric, error) {
	switch name {
	case "accuracy", "binary_accuracy":
		return BinaryAccuracy{Threshold: 0.5}, nil
	default:
		return nil, fmt.Errorf("unknown metric %q", name)
	}
}

// BinaryCrossentropy is the mean log loss over output units, with
// predictions clipped to [epsilon, 1-epsilon].
type BinaryCrossentropy struct{}

func (BinaryCrossentropy) Name() string { return "binary_crossentropy" }

func (BinaryCrossentropy) Compute(pred, target []float64) float64 {
	sum := 0.0
	for i, p := range pred {
		p = clip(p)
		y := target[i]
		sum -= y*math.Log(p) + (1-y)*math.Log(1-p)
	}
	return sum / float64(len(pred))
}

func (BinaryCrossentropy) Gradient(pred, target, grad []float64) {
	n := float64(len(pred))
	for i, p := range pred {
		p = clip(p)
		y := target[i]
		grad[i] = (-y/p + (1-y)/(1-p)) / n
	}
}

// MeanSquaredError is the mean of squared differences over output units.
type MeanSquaredError struct{}

func (MeanSquaredError) Name() string { return "mean_squared_error" }

func (MeanSquaredError) Compute(pred, target []float64) float64 {
	sum := 0.0
	for i, p := range pred {
		d := p - target[i]
		sum += d * d
	}
	return sum / float64(len(pred))
}

func (MeanSquaredError) Gradient(pred, target, grad []float64) {
	n := float64(len(pred))
	for i, p := range pred {
		grad[i] = 2 * (p - target[i]) / n
	}
}

// BinaryAccuracy is the fraction of units on the right side of Threshold.
type BinaryAccuracy struct {
	Threshold float64
}

func (BinaryAccuracy) Name() string { return "accuracy" }

func (a BinaryAccuracy) Compute(pred, target []float64) float64 {
	hits := 0
	for i, p := range pred {
		if (p > a.Threshold) == (target[i] > a.Threshold) {
			hits++
		}
	}
	return float64(hits) / float64(len(pred))
}

func clip(p float64) float64 {
	return math.Min(math.Max(p, epsilon), 1-epsilon)
}
