package model

import "errors"

var (
	// ErrNotCompiled is returned by TrainStep before Compile has been called.
	ErrNotCompiled = errors.New("model: not compiled")
	// ErrShapeMismatch reports an input or label whose size does not fit the model.
	ErrShapeMismatch = errors.New("model: shape mismatch")
)

// Batch represents a minibatch of features and labels.
type Batch struct {
	Inputs [][]float64
	Labels [][]float64
}

// StepResult is the outcome of a single optimizer step.
type StepResult struct {
	Loss    float64
	Metrics map[string]float64
}

// Model defines the minimal training functionality required by the trainer.
type Model interface {
	TrainStep(batch Batch) (StepResult, error)
}
