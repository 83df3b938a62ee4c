package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// Flatten reshapes its input to rank 1. HWC order is preserved.
type Flatten struct {
	base
}

// NewFlatten returns a flatten layer.
func NewFlatten() *Flatten { return &Flatten{} }

func (f *Flatten) Kind() string { return "flatten" }

func (f *Flatten) build(in []int, _ *rand.Rand) error {
	f.setShapes(in, []int{volume(in)})
	return nil
}

func (f *Flatten) Forward(in []float64) []float64 { return in }

func (f *Flatten) Backward(grad []float64) []float64 { return grad }

// Dense is a fully connected layer. The kernel is stored [in, Units].
type Dense struct {
	base
	Units      int
	Activation Activation

	kernel *Param
	bias   *Param

	input  []float64
	output []float64
	dinput []float64
}

// NewDense returns a fully connected layer.
func NewDense(units int, act Activation) *Dense {
	return &Dense{Units: units, Activation: act}
}

func (d *Dense) Kind() string { return "dense" }

// Kernel returns the [in, Units] weight matrix.
func (d *Dense) Kernel() *Param { return d.kernel }

// Bias returns the per-unit bias.
func (d *Dense) Bias() *Param { return d.bias }

func (d *Dense) Params() []*Param { return []*Param{d.kernel, d.bias} }

func (d *Dense) build(in []int, rng *rand.Rand) error {
	if len(in) != 1 {
		return fmt.Errorf("dense expects rank 1 input, got %v", in)
	}
	if d.Units <= 0 {
		return fmt.Errorf("dense units must be > 0 (got %d)", d.Units)
	}
	if err := d.Activation.validate(); err != nil {
		return err
	}
	d.setShapes(in, []int{d.Units})
	d.kernel = newParam("kernel", in[0], d.Units)
	d.kernel.glorotUniform(in[0], d.Units, rng)
	d.bias = newParam("bias", d.Units)
	d.output = make([]float64, d.Units)
	d.dinput = make([]float64, in[0])
	return nil
}

func (d *Dense) Forward(in []float64) []float64 {
	d.input = in
	copy(d.output, d.bias.Value)
	blas64.Gemv(blas.Trans, 1, general(d.in[0], d.Units, d.kernel.Value), vector(in), 1, vector(d.output))
	d.Activation.apply(d.output)
	return d.output
}

func (d *Dense) Backward(grad []float64) []float64 {
	d.Activation.backprop(d.output, grad)
	kernel := general(d.in[0], d.Units, d.kernel.Value)
	blas64.Ger(1, vector(d.input), vector(grad), general(d.in[0], d.Units, d.kernel.Grad))
	floats.Add(d.bias.Grad, grad)
	blas64.Gemv(blas.NoTrans, 1, kernel, vector(grad), 0, vector(d.dinput))
	return d.dinput
}

func vector(data []float64) blas64.Vector {
	return blas64.Vector{N: len(data), Inc: 1, Data: data}
}
