package model

import (
	"fmt"
	"math"
	"math/rand"
)

// Layer is one stage of a Sequential stack. Forward and Backward operate on a
// single example; the returned slices are owned by the layer and reused.
type Layer interface {
	Kind() string
	Name() string
	InputShape() []int
	OutputShape() []int
	Forward(in []float64) []float64
	Backward(grad []float64) []float64

	build(inShape []int, rng *rand.Rand) error
	setName(name string)
}

// ParamLayer is a layer with trainable weights.
type ParamLayer interface {
	Layer
	Params() []*Param
}

// Param is a trainable tensor with its accumulated gradient.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
}

func newParam(name string, shape ...int) *Param {
	n := volume(shape)
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, n),
		Grad:  make([]float64, n),
	}
}

// glorotUniform fills p with U(-limit, limit), limit = sqrt(6/(fanIn+fanOut)).
func (p *Param) glorotUniform(fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2 - 1) * limit
	}
}

type base struct {
	name string
	in   []int
	out  []int
}

func (b *base) Name() string { return b.name }
func (b *base) InputShape() []int { return append([]int(nil), b.in...) }
func (b *base) OutputShape() []int { return append([]int(nil), b.out...) }
func (b *base) setName(name string) { b.name = name }
func (b *base) setShapes(in, out []int) {
	b.in = append([]int(nil), in...)
	b.out = append([]int(nil), out...)
}

// Activation names an element-wise non-linearity fused into a layer.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Sigmoid Activation = "sigmoid"
)

func (a Activation) validate() error {
	switch a {
	case Linear, ReLU, Sigmoid:
		return nil
	case "":
		return nil
	default:
		return fmt.Errorf("unknown activation %q", string(a))
	}
}

// apply transforms v in place.
func (a Activation) apply(v []float64) {
	switch a {
	case ReLU:
		for i, x := range v {
			if x < 0 {
				v[i] = 0
			}
		}
	case Sigmoid:
		for i, x := range v {
			v[i] = 1 / (1 + math.Exp(-x))
		}
	}
}

// backprop scales grad in place by the derivative, expressed via the output.
func (a Activation) backprop(out, grad []float64) {
	switch a {
	case ReLU:
		for i, y := range out {
			if y <= 0 {
				grad[i] = 0
			}
		}
	case Sigmoid:
		for i, y := range out {
			grad[i] *= y * (1 - y)
		}
	}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
