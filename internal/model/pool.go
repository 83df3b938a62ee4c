package model

import (
	"fmt"
	"math"
	"math/rand"
)

// MaxPool2D takes the maximum over non-overlapping Size x Size windows.
// Trailing rows and columns that do not fill a window are dropped.
type MaxPool2D struct {
	base
	Size int

	argmax []int
	output []float64
	dinput []float64
}

// NewMaxPool2D returns a pooling layer with stride equal to size.
func NewMaxPool2D(size int) *MaxPool2D {
	return &MaxPool2D{Size: size}
}

func (m *MaxPool2D) Kind() string { return "max_pooling2d" }

func (m *MaxPool2D) build(in []int, _ *rand.Rand) error {
	if len(in) != 3 {
		return fmt.Errorf("max_pooling2d expects HWC input, got %v", in)
	}
	if m.Size <= 0 {
		return fmt.Errorf("max_pooling2d size must be > 0 (got %d)", m.Size)
	}
	oh, ow := in[0]/m.Size, in[1]/m.Size
	if oh == 0 || ow == 0 {
		return fmt.Errorf("max_pooling2d window %d larger than input %dx%d", m.Size, in[0], in[1])
	}
	m.setShapes(in, []int{oh, ow, in[2]})
	m.argmax = make([]int, oh*ow*in[2])
	m.output = make([]float64, oh*ow*in[2])
	m.dinput = make([]float64, volume(in))
	return nil
}

func (m *MaxPool2D) Forward(in []float64) []float64 {
	w, ch := m.in[1], m.in[2]
	oh, ow := m.out[0], m.out[1]
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			for c := 0; c < ch; c++ {
				best := math.Inf(-1)
				bestIdx := 0
				for ky := 0; ky < m.Size; ky++ {
					for kx := 0; kx < m.Size; kx++ {
						idx := ((oy*m.Size+ky)*w+ox*m.Size+kx)*ch + c
						if in[idx] > best {
							best = in[idx]
							bestIdx = idx
						}
					}
				}
				o := (oy*ow+ox)*ch + c
				m.output[o] = best
				m.argmax[o] = bestIdx
			}
		}
	}
	return m.output
}

func (m *MaxPool2D) Backward(grad []float64) []float64 {
	for i := range m.dinput {
		m.dinput[i] = 0
	}
	for o, idx := range m.argmax {
		m.dinput[idx] += grad[o]
	}
	return m.dinput
}
