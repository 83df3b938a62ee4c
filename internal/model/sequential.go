package model

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/floats"

	"plant-detector/internal/config"
)

// Sequential is a linear stack of layers trained one example at a time with
// gradients averaged over each batch.
type Sequential struct {
	inputShape []int
	layers     []Layer
	params     []*Param

	optimizer Optimizer
	loss      Loss
	metrics   []Metric
	lossGrad  []float64
}

// CompileOptions selects the optimizer, loss and metrics by Keras identifier.
type CompileOptions struct {
	Optimizer    string
	LearningRate float64
	Loss         string
	Metrics      []string
}

// NewSequential builds every layer against the output shape of the previous
// one and initializes weights from seed.
func NewSequential(inputShape []int, seed int64, layers ...Layer) (*Sequential, error) {
	if len(inputShape) == 0 {
		return nil, errors.New("model: empty input shape")
	}
	for _, d := range inputShape {
		if d <= 0 {
			return nil, fmt.Errorf("model: input shape must be positive, got %v", inputShape)
		}
	}
	if len(layers) == 0 {
		return nil, errors.New("model: no layers")
	}

	rng := rand.New(rand.NewSource(seed))
	s := &Sequential{inputShape: append([]int(nil), inputShape...), layers: layers}
	seen := make(map[string]int)
	shape := s.inputShape
	for _, l := range layers {
		name := l.Kind()
		if n := seen[name]; n > 0 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		seen[l.Kind()]++
		l.setName(name)
		if err := l.build(shape, rng); err != nil {
			return nil, fmt.Errorf("model: build %s: %w", name, err)
		}
		if pl, ok := l.(ParamLayer); ok {
			s.params = append(s.params, pl.Params()...)
		}
		shape = l.OutputShape()
	}
	return s, nil
}

// NewPlantDetector builds the conv/pool stack described by arch, followed by
// a ReLU dense layer and a single sigmoid unit.
func NewPlantDetector(arch config.Architecture, seed int64) (*Sequential, error) {
	var layers []Layer
	for i, filters := range arch.ConvFilters {
		layers = append(layers, NewConv2D(filters, arch.KernelSize, ReLU))
		if i < len(arch.ConvFilters)-1 {
			layers = append(layers, NewMaxPool2D(arch.PoolSize))
		}
	}
	layers = append(layers,
		NewFlatten(),
		NewDense(arch.DenseUnits, ReLU),
		NewDense(1, Sigmoid),
	)
	return NewSequential(arch.InputShape, seed, layers...)
}

// InputShape returns the per-example input shape, without a batch dimension.
func (s *Sequential) InputShape() []int { return append([]int(nil), s.inputShape...) }

// OutputShape returns the per-example output shape, without a batch dimension.
func (s *Sequential) OutputShape() []int { return s.layers[len(s.layers)-1].OutputShape() }

// Layers returns the layer stack in order.
func (s *Sequential) Layers() []Layer { return append([]Layer(nil), s.layers...) }

// ParamCount is the number of trainable scalars.
func (s *Sequential) ParamCount() int {
	n := 0
	for _, p := range s.params {
		n += len(p.Value)
	}
	return n
}

// Compile resolves the optimizer, loss and metrics.
func (s *Sequential) Compile(opts CompileOptions) error {
	opt, err := NewOptimizer(opts.Optimizer, opts.LearningRate)
	if err != nil {
		return fmt.Errorf("model: compile: %w", err)
	}
	loss, err := NewLoss(opts.Loss)
	if err != nil {
		return fmt.Errorf("model: compile: %w", err)
	}
	metrics := make([]Metric, 0, len(opts.Metrics))
	for _, name := range opts.Metrics {
		m, err := NewMetric(name)
		if err != nil {
			return fmt.Errorf("model: compile: %w", err)
		}
		metrics = append(metrics, m)
	}
	s.optimizer = opt
	s.loss = loss
	s.metrics = metrics
	s.lossGrad = make([]float64, volume(s.OutputShape()))
	return nil
}

// Predict runs a forward pass for one example.
func (s *Sequential) Predict(x []float64) ([]float64, error) {
	if len(x) != volume(s.inputShape) {
		return nil, fmt.Errorf("%w: input has %d values, want %d", ErrShapeMismatch, len(x), volume(s.inputShape))
	}
	return append([]float64(nil), s.forward(x)...), nil
}

func (s *Sequential) forward(x []float64) []float64 {
	for _, l := range s.layers {
		x = l.Forward(x)
	}
	return x
}

func (s *Sequential) backward(grad []float64) {
	for i := len(s.layers) - 1; i >= 0; i-- {
		grad = s.layers[i].Backward(grad)
	}
}

// TrainStep executes one optimizer step over batch and returns mean loss and
// metrics.
func (s *Sequential) TrainStep(batch Batch) (StepResult, error) {
	if s.optimizer == nil {
		return StepResult{}, ErrNotCompiled
	}
	n := len(batch.Inputs)
	if n == 0 {
		return StepResult{}, errors.New("model: empty batch")
	}
	if len(batch.Labels) != n {
		return StepResult{}, fmt.Errorf("%w: %d inputs but %d labels", ErrShapeMismatch, n, len(batch.Labels))
	}
	inSize, outSize := volume(s.inputShape), len(s.lossGrad)
	for i := range batch.Inputs {
		if len(batch.Inputs[i]) != inSize {
			return StepResult{}, fmt.Errorf("%w: input %d has %d values, want %d", ErrShapeMismatch, i, len(batch.Inputs[i]), inSize)
		}
		if len(batch.Labels[i]) != outSize {
			return StepResult{}, fmt.Errorf("%w: label %d has %d values, want %d", ErrShapeMismatch, i, len(batch.Labels[i]), outSize)
		}
	}

	for _, p := range s.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}

	totalLoss := 0.0
	metricSums := make([]float64, len(s.metrics))
	for i, x := range batch.Inputs {
		y := batch.Labels[i]
		pred := s.forward(x)
		totalLoss += s.loss.Compute(pred, y)
		for j, m := range s.metrics {
			metricSums[j] += m.Compute(pred, y)
		}
		s.loss.Gradient(pred, y, s.lossGrad)
		s.backward(s.lossGrad)
	}

	inv := 1 / float64(n)
	for _, p := range s.params {
		floats.Scale(inv, p.Grad)
	}
	s.optimizer.Update(s.params)

	res := StepResult{Loss: totalLoss * inv, Metrics: make(map[string]float64, len(s.metrics))}
	for j, m := range s.metrics {
		res.Metrics[m.Name()] = metricSums[j] * inv
	}
	return res, nil
}

// Summary renders one line per layer with its output shape and parameter count.
func (s *Sequential) Summary() string {
	var b strings.Builder
	for _, l := range s.layers {
		params := 0
		if pl, ok := l.(ParamLayer); ok {
			for _, p := range pl.Params() {
				params += len(p.Value)
			}
		}
		fmt.Fprintf(&b, "layer=%s output=%v params=%d\n", l.Name(), l.OutputShape(), params)
	}
	fmt.Fprintf(&b, "total_params=%d", s.ParamCount())
	return b.String()
}
