package model

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plant-detector/internal/config"
)

func tinyArch() config.Architecture {
	return config.Architecture{
		InputShape:  []int{10, 10, 3},
		ConvFilters: []int{2, 3},
		KernelSize:  3,
		PoolSize:    2,
		DenseUnits:  4,
	}
}

func TestPlantDetectorDefaultShapes(t *testing.T) {
	mdl, err := NewPlantDetector(config.DefaultArchitecture(), 1)
	require.NoError(t, err)

	if diff := cmp.Diff([]int{224, 224, 3}, mdl.InputShape()); diff != "" {
		t.Fatalf("input shape (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1}, mdl.OutputShape()); diff != "" {
		t.Fatalf("output shape (-want +got):\n%s", diff)
	}

	want := [][]int{
		{222, 222, 32},
		{111, 111, 32},
		{109, 109, 64},
		{54, 54, 64},
		{52, 52, 64},
		{173056},
		{64},
		{1},
	}
	var got [][]int
	var names []string
	for _, l := range mdl.Layers() {
		got = append(got, l.OutputShape())
		names = append(names, l.Name())
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("layer shapes (-want +got):\n%s", diff)
	}
	wantNames := []string{"conv2d", "max_pooling2d", "conv2d_1", "max_pooling2d_1", "conv2d_2", "flatten", "dense", "dense_1"}
	if diff := cmp.Diff(wantNames, names); diff != "" {
		t.Fatalf("layer names (-want +got):\n%s", diff)
	}
	// 896 + 18496 + 36928 + 11075648 + 65
	assert.Equal(t, 11132033, mdl.ParamCount())
}

func TestPredictIsSigmoidRange(t *testing.T) {
	mdl, err := NewPlantDetector(tinyArch(), 3)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(5))
	for i := 0; i < 5; i++ {
		out, err := mdl.Predict(randomInput(rng, 300))
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.GreaterOrEqual(t, out[0], 0.0)
		assert.LessOrEqual(t, out[0], 1.0)
	}
}

func TestPredictRejectsWrongSize(t *testing.T) {
	mdl, err := NewPlantDetector(tinyArch(), 3)
	require.NoError(t, err)
	_, err = mdl.Predict(make([]float64, 7))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestNewSequentialErrors(t *testing.T) {
	_, err := NewSequential([]int{2, 2, 1}, 1, NewConv2D(1, 3, ReLU))
	require.Error(t, err, "kernel larger than input")

	_, err = NewSequential([]int{4, 4, 1}, 1, NewDense(2, ReLU))
	require.Error(t, err, "dense on rank 3")

	_, err = NewSequential([]int{4, 4, 1}, 1, NewConv2D(1, 3, "swish"))
	require.Error(t, err, "unknown activation")

	_, err = NewSequential([]int{0, 4, 1}, 1, NewFlatten())
	require.Error(t, err)

	_, err = NewSequential([]int{4, 4, 1}, 1)
	require.Error(t, err)
}

func TestConvForwardKnownValues(t *testing.T) {
	conv := NewConv2D(1, 2, Linear)
	_, err := NewSequential([]int{3, 3, 1}, 1, conv)
	require.NoError(t, err)
	copy(conv.Kernel().Value, []float64{1, 0, 0, -1})
	conv.Bias().Value[0] = 0.5

	out := conv.Forward([]float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
	})
	// each output is x[y][x] - x[y+1][x+1] + 0.5
	assert.Equal(t, []float64{-3.5, -3.5, -3.5, -3.5}, out)
}

func TestMaxPoolForwardBackward(t *testing.T) {
	pool := NewMaxPool2D(2)
	_, err := NewSequential([]int{3, 3, 1}, 1, pool)
	require.NoError(t, err)
	require.Equal(t, []int{1, 1, 1}, pool.OutputShape(), "odd sizes are floored")

	out := pool.Forward([]float64{
		1, 7, 0,
		3, 2, 9,
		9, 9, 9,
	})
	assert.Equal(t, []float64{7}, out)

	din := pool.Backward([]float64{2})
	assert.Equal(t, []float64{0, 2, 0, 0, 0, 0, 0, 0, 0}, din)
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	mdl, err := NewPlantDetector(config.Architecture{
		InputShape:  []int{6, 6, 2},
		ConvFilters: []int{3},
		KernelSize:  3,
		PoolSize:    2,
		DenseUnits:  3,
	}, 11)
	require.NoError(t, err)
	require.NoError(t, mdl.Compile(CompileOptions{Optimizer: "sgd", Loss: "binary_crossentropy"}))

	rng := rand.New(rand.NewSource(2))
	x := randomInput(rng, 72)
	y := []float64{1}

	lossAt := func() float64 {
		return mdl.loss.Compute(mdl.forward(x), y)
	}

	for _, p := range mdl.params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
	pred := mdl.forward(x)
	mdl.loss.Gradient(pred, y, mdl.lossGrad)
	mdl.backward(mdl.lossGrad)

	const h = 1e-6
	for _, p := range mdl.params {
		analytic := append([]float64(nil), p.Grad...)
		for i := range p.Value {
			orig := p.Value[i]
			p.Value[i] = orig + h
			up := lossAt()
			p.Value[i] = orig - h
			down := lossAt()
			p.Value[i] = orig
			numeric := (up - down) / (2 * h)
			tol := 1e-5 + 1e-3*math.Abs(numeric)
			if math.Abs(numeric-analytic[i]) > tol {
				t.Fatalf("%s[%d]: analytic %g numeric %g", p.Name, i, analytic[i], numeric)
			}
		}
	}
}

func TestTrainStepReducesLoss(t *testing.T) {
	mdl, err := NewPlantDetector(tinyArch(), 7)
	require.NoError(t, err)
	require.NoError(t, mdl.Compile(CompileOptions{
		Optimizer:    "adam",
		LearningRate: 0.01,
		Loss:         "binary_crossentropy",
		Metrics:      []string{"accuracy"},
	}))

	rng := rand.New(rand.NewSource(1))
	batch := Batch{}
	for i := 0; i < 4; i++ {
		batch.Inputs = append(batch.Inputs, randomInput(rng, 300))
		batch.Labels = append(batch.Labels, []float64{float64(i % 2)})
	}

	first, err := mdl.TrainStep(batch)
	require.NoError(t, err)
	var last StepResult
	for i := 0; i < 30; i++ {
		last, err = mdl.TrainStep(batch)
		require.NoError(t, err)
	}
	if last.Loss >= first.Loss {
		t.Fatalf("expected loss to decrease; first=%f last=%f", first.Loss, last.Loss)
	}
	acc, ok := last.Metrics["accuracy"]
	require.True(t, ok)
	assert.GreaterOrEqual(t, acc, 0.0)
	assert.LessOrEqual(t, acc, 1.0)
}

func TestTrainStepErrors(t *testing.T) {
	mdl, err := NewPlantDetector(tinyArch(), 7)
	require.NoError(t, err)

	batch := Batch{Inputs: [][]float64{make([]float64, 300)}, Labels: [][]float64{{1}}}
	_, err = mdl.TrainStep(batch)
	require.True(t, errors.Is(err, ErrNotCompiled))

	require.NoError(t, mdl.Compile(CompileOptions{Optimizer: "adam", Loss: "binary_crossentropy"}))

	_, err = mdl.TrainStep(Batch{Inputs: [][]float64{make([]float64, 299)}, Labels: [][]float64{{1}}})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = mdl.TrainStep(Batch{Inputs: [][]float64{make([]float64, 300)}, Labels: [][]float64{{1, 0}}})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = mdl.TrainStep(Batch{Inputs: [][]float64{make([]float64, 300)}})
	require.ErrorIs(t, err, ErrShapeMismatch)

	_, err = mdl.TrainStep(Batch{})
	require.Error(t, err)
}

func TestCompileRejectsUnknownNames(t *testing.T) {
	mdl, err := NewPlantDetector(tinyArch(), 7)
	require.NoError(t, err)

	assert.Error(t, mdl.Compile(CompileOptions{Optimizer: "rmsprop", Loss: "binary_crossentropy"}))
	assert.Error(t, mdl.Compile(CompileOptions{Optimizer: "adam", Loss: "hinge"}))
	assert.Error(t, mdl.Compile(CompileOptions{Optimizer: "adam", Loss: "binary_crossentropy", Metrics: []string{"auc"}}))
}

func TestSummaryListsLayers(t *testing.T) {
	mdl, err := NewPlantDetector(tinyArch(), 7)
	require.NoError(t, err)
	s := mdl.Summary()
	assert.Contains(t, s, "layer=conv2d output=[8 8 2] params=56")
	assert.Contains(t, s, "layer=dense_1 output=[1] params=5")
}

func randomInput(rng *rand.Rand, n int) []float64 {
	x := make([]float64, n)
	for i := range x {
		x[i] = rng.Float64()
	}
	return x
}
