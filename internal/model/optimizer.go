package model

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Optimizer applies accumulated gradients to parameters.
type Optimizer interface {
	Name() string
	Update(params []*Param)
}

// NewOptimizer resolves an optimizer by its Keras identifier. A zero
// learning rate selects the optimizer's default.
func NewOptimizer(name string, lr float64) (Optimizer, error) {
	switch name {
	case "adam":
		return NewAdam(lr), nil
	case "sgd":
		if lr <= 0 {
			lr = 0.01
		}
		return &SGD{LearningRate: lr}, nil
	default:
		return nil, fmt.Errorf("unknown optimizer %q", name)
	}
}

// SGD is plain gradient descent.
type SGD struct {
	LearningRate float64
}

func (s *SGD) Name() string { return "sgd" }

func (s *SGD) Update(params []*Param) {
	for _, p := range params {
		floats.AddScaled(p.Value, -s.LearningRate, p.Grad)
	}
}

// Adam uses the bias-corrected step size of the Keras implementation.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	step int
	m    map[*Param][]float64
	v    map[*Param][]float64
}

// NewAdam returns Adam with Keras defaults.
func NewAdam(lr float64) *Adam {
	if lr <= 0 {
		lr = 0.001
	}
	return &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		m:            make(map[*Param][]float64),
		v:            make(map[*Param][]float64),
	}
}

func (a *Adam) Name() string { return "adam" }

func (a *Adam) Update(params []*Param) {
	a.step++
	t := float64(a.step)
	lr := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for _, p := range params {
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p] = m
			a.v[p] = make([]float64, len(p.Value))
		}
		v := a.v[p]
		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			p.Value[i] -= lr * m[i] / (math.Sqrt(v[i]) + a.Epsilon)
		}
	}
}
