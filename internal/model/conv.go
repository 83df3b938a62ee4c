package model

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// Conv2D is a 2D convolution over HWC input with valid padding and stride 1.
// The kernel is stored HWIO: [KernelH, KernelW, inChannels, Filters].
type Conv2D struct {
	base
	Filters    int
	KernelH    int
	KernelW    int
	Activation Activation

	kernel *Param
	bias   *Param

	cols   []float64
	output []float64
	dcols  []float64
	dinput []float64
}

// NewConv2D returns a square-kernel convolution layer.
func NewConv2D(filters, kernel int, act Activation) *Conv2D {
	return &Conv2D{Filters: filters, KernelH: kernel, KernelW: kernel, Activation: act}
}

func (c *Conv2D) Kind() string { return "conv2d" }

// Kernel returns the HWIO weight tensor.
func (c *Conv2D) Kernel() *Param { return c.kernel }

// Bias returns the per-filter bias.
func (c *Conv2D) Bias() *Param { return c.bias }

func (c *Conv2D) Params() []*Param { return []*Param{c.kernel, c.bias} }

func (c *Conv2D) build(in []int, rng *rand.Rand) error {
	if len(in) != 3 {
		return fmt.Errorf("conv2d expects HWC input, got %v", in)
	}
	if c.Filters <= 0 || c.KernelH <= 0 || c.KernelW <= 0 {
		return fmt.Errorf("conv2d needs positive filters and kernel (got %d, %dx%d)", c.Filters, c.KernelH, c.KernelW)
	}
	if err := c.Activation.validate(); err != nil {
		return err
	}
	h, w, ch := in[0], in[1], in[2]
	if c.KernelH > h || c.KernelW > w {
		return fmt.Errorf("conv2d kernel %dx%d larger than input %dx%d", c.KernelH, c.KernelW, h, w)
	}
	oh, ow := h-c.KernelH+1, w-c.KernelW+1
	c.setShapes(in, []int{oh, ow, c.Filters})

	c.kernel = newParam("kernel", c.KernelH, c.KernelW, ch, c.Filters)
	c.kernel.glorotUniform(c.KernelH*c.KernelW*ch, c.KernelH*c.KernelW*c.Filters, rng)
	c.bias = newParam("bias", c.Filters)

	patch := c.KernelH * c.KernelW * ch
	c.cols = make([]float64, oh*ow*patch)
	c.output = make([]float64, oh*ow*c.Filters)
	c.dcols = make([]float64, oh*ow*patch)
	c.dinput = make([]float64, h*w*ch)
	return nil
}

// im2col lays out every receptive field as one row of c.cols.
func (c *Conv2D) im2col(in []float64) {
	w, ch := c.in[1], c.in[2]
	oh, ow := c.out[0], c.out[1]
	span := c.KernelW * ch
	patch := c.KernelH * span
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := c.cols[(oy*ow+ox)*patch:]
			for ky := 0; ky < c.KernelH; ky++ {
				src := ((oy+ky)*w + ox) * ch
				copy(row[ky*span:(ky+1)*span], in[src:src+span])
			}
		}
	}
}

// col2im scatters c.dcols back onto c.dinput, summing overlaps.
func (c *Conv2D) col2im() {
	w, ch := c.in[1], c.in[2]
	oh, ow := c.out[0], c.out[1]
	span := c.KernelW * ch
	patch := c.KernelH * span
	for i := range c.dinput {
		c.dinput[i] = 0
	}
	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			row := c.dcols[(oy*ow+ox)*patch:]
			for ky := 0; ky < c.KernelH; ky++ {
				dst := ((oy+ky)*w + ox) * ch
				floats.Add(c.dinput[dst:dst+span], row[ky*span:(ky+1)*span])
			}
		}
	}
}

func (c *Conv2D) Forward(in []float64) []float64 {
	c.im2col(in)
	positions := c.out[0] * c.out[1]
	patch := len(c.cols) / positions
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		general(positions, patch, c.cols),
		general(patch, c.Filters, c.kernel.Value),
		0, general(positions, c.Filters, c.output))
	for p := 0; p < positions; p++ {
		floats.Add(c.output[p*c.Filters:(p+1)*c.Filters], c.bias.Value)
	}
	c.Activation.apply(c.output)
	return c.output
}

func (c *Conv2D) Backward(grad []float64) []float64 {
	c.Activation.backprop(c.output, grad)
	positions := c.out[0] * c.out[1]
	patch := len(c.cols) / positions
	g := general(positions, c.Filters, grad)
	cols := general(positions, patch, c.cols)
	kernel := general(patch, c.Filters, c.kernel.Value)

	blas64.Gemm(blas.Trans, blas.NoTrans, 1, cols, g, 1, general(patch, c.Filters, c.kernel.Grad))
	for p := 0; p < positions; p++ {
		floats.Add(c.bias.Grad, grad[p*c.Filters:(p+1)*c.Filters])
	}
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, g, kernel, 0, general(positions, patch, c.dcols))
	c.col2im()
	return c.dinput
}

func general(rows, cols int, data []float64) blas64.General {
	return blas64.General{Rows: rows, Cols: cols, Stride: cols, Data: data}
}
