package dataset

import "math/rand"

// Sample is one model-ready example: a flattened HWC tensor and its label.
type Sample struct {
	Key   string
	Input []float64
	Label float64
}

// Dataset is an indexable collection of samples sharing one input shape.
type Dataset interface {
	Len() int
	Shape() []int
	Sample(i int) Sample
}

// InMemory holds every sample of a dataset in memory.
type InMemory struct {
	shape   []int
	samples []Sample
}

// NewInMemory wraps samples already shaped to shape.
func NewInMemory(shape []int, samples []Sample) *InMemory {
	return &InMemory{shape: append([]int(nil), shape...), samples: samples}
}

func (d *InMemory) Len() int { return len(d.samples) }
func (d *InMemory) Shape() []int { return append([]int(nil), d.shape...) }
func (d *InMemory) Sample(i int) Sample { return d.samples[i] }

// NewSynthetic generates n placeholder examples: features uniform in [0,1)
// and labels drawn uniformly from {0, 1}.
func NewSynthetic(n int, shape []int, seed int64) *InMemory {
	rng := rand.New(rand.NewSource(seed))
	size := 1
	for _, d := range shape {
		size *= d
	}
	samples := make([]Sample, n)
	for i := range samples {
		input := make([]float64, size)
		for j := range input {
			input[j] = rng.Float64()
		}
		samples[i] = Sample{Input: input, Label: float64(rng.Intn(2))}
	}
	return NewInMemory(shape, samples)
}
