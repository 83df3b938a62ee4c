package tflite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/x448/float16"

	"plant-detector/internal/model"
)

// Optimization mirrors the converter optimization flags.
type Optimization int

const (
	// OptimizeDefault quantizes weights to the narrowest supported type.
	OptimizeDefault Optimization = iota
)

var (
	// ErrUnsupportedQuantization is returned for quantization modes the
	// converter cannot produce, such as int8 dynamic range.
	ErrUnsupportedQuantization = errors.New("tflite: unsupported quantization")
	// ErrUnsupportedLayer is returned for layers without a TFLite lowering.
	ErrUnsupportedLayer = errors.New("tflite: unsupported layer")
)

const (
	defaultDescription = "plant-detector converted model"
	minRuntimeVersion  = "1.14.0"
	graphPrefix        = "sequential/"
)

// Converter lowers a trained Sequential model to a TFLite flatbuffer.
type Converter struct {
	Optimizations  []Optimization
	SupportedTypes []TensorType
	Description    string
	// Metadata entries are stored as named buffers next to min_runtime_version.
	Metadata map[string][]byte

	model *model.Sequential
}

// NewConverter returns a converter for m with no optimizations.
func NewConverter(m *model.Sequential) *Converter {
	return &Converter{model: m}
}

// Convert serializes the model. With OptimizeDefault and Float16 every weight
// is stored as FLOAT16 and dequantized in-graph; without optimizations weights
// stay FLOAT32.
func (c *Converter) Convert() ([]byte, error) {
	if c.model == nil {
		return nil, errors.New("tflite: no model")
	}
	half, err := c.float16Weights()
	if err != nil {
		return nil, err
	}

	g := &graph{half: half, buffers: [][]byte{nil}}
	in := g.addActivation("serving_default_"+c.model.Layers()[0].Name()+"_input:0", c.model.InputShape())
	g.inputs = []int32{in}

	cur := in
	for _, l := range c.model.Layers() {
		cur, err = g.lower(l, cur)
		if err != nil {
			return nil, err
		}
	}
	g.tensors[cur].name = "StatefulPartitionedCall:0"
	g.outputs = []int32{cur}

	desc := c.Description
	if desc == "" {
		desc = defaultDescription
	}
	meta := []metadataEntry{{name: "min_runtime_version", data: padded(minRuntimeVersion, 16)}}
	names := make([]string, 0, len(c.Metadata))
	for name := range c.Metadata {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		meta = append(meta, metadataEntry{name: name, data: c.Metadata[name]})
	}
	return g.serialize(desc, meta), nil
}

func (c *Converter) float16Weights() (bool, error) {
	if len(c.Optimizations) == 0 {
		return false, nil
	}
	for _, opt := range c.Optimizations {
		if opt != OptimizeDefault {
			return false, fmt.Errorf("%w: optimization %d", ErrUnsupportedQuantization, opt)
		}
	}
	if slices.Contains(c.SupportedTypes, Float16) {
		return true, nil
	}
	return false, fmt.Errorf("%w: only float16 weight quantization is supported, set SupportedTypes to Float16", ErrUnsupportedQuantization)
}

type tensorSpec struct {
	name      string
	shape     []int32
	signature []int32
	typ       TensorType
	buffer    uint32
}

type opSpec struct {
	code        BuiltinOperator
	inputs      []int32
	outputs     []int32
	optionsType byte
	options     func(b *flatbuffers.Builder) flatbuffers.UOffsetT
}

type metadataEntry struct {
	name string
	data []byte
}

// graph accumulates tensors, buffers and operators in execution order.
// buffers[0] is the empty sentinel referenced by every non-constant tensor.
type graph struct {
	half    bool
	tensors []tensorSpec
	buffers [][]byte
	ops     []opSpec
	inputs  []int32
	outputs []int32
}

// addActivation adds a float32 batch-1 tensor with a dynamic batch signature.
func (g *graph) addActivation(name string, shape []int) int32 {
	full := append([]int32{1}, toInt32(shape)...)
	sig := append([]int32{-1}, toInt32(shape)...)
	g.tensors = append(g.tensors, tensorSpec{name: name, shape: full, signature: sig, typ: Float32})
	return int32(len(g.tensors) - 1)
}

func (g *graph) addConstant(name string, shape []int32, typ TensorType, data []byte) int32 {
	g.buffers = append(g.buffers, data)
	g.tensors = append(g.tensors, tensorSpec{name: name, shape: shape, typ: typ, buffer: uint32(len(g.buffers) - 1)})
	return int32(len(g.tensors) - 1)
}

// addWeights stores values as a constant. In float16 mode it also emits the
// DEQUANTIZE op and returns the float32 tensor it produces.
func (g *graph) addWeights(name string, shape []int, values []float64) int32 {
	dims := toInt32(shape)
	if !g.half {
		return g.addConstant(name, dims, Float32, encodeFloat32(values))
	}
	src := g.addConstant(name, dims, Float16, encodeFloat16(values))
	g.tensors = append(g.tensors, tensorSpec{name: name + ";dequantize", shape: dims, typ: Float32})
	dst := int32(len(g.tensors) - 1)
	g.ops = append(g.ops, opSpec{code: OpDequantize, inputs: []int32{src}, outputs: []int32{dst}})
	return dst
}

func (g *graph) lower(l model.Layer, in int32) (int32, error) {
	prefix := graphPrefix + l.Name() + "/"
	switch layer := l.(type) {
	case *model.Conv2D:
		kernel := layer.Kernel()
		kh, kw, ci, co := kernel.Shape[0], kernel.Shape[1], kernel.Shape[2], kernel.Shape[3]
		w := g.addWeights(prefix+"Conv2D", []int{co, kh, kw, ci}, hwioToOHWI(kernel.Value, kh, kw, ci, co))
		b := g.addWeights(prefix+"BiasAdd/ReadVariableOp", []int{co}, layer.Bias().Value)
		act, logistic := fusedActivation(layer.Activation)
		out := g.addActivation(prefix+activationSuffix(layer.Activation, "BiasAdd"), layer.OutputShape())
		g.ops = append(g.ops, opSpec{
			code:        OpConv2D,
			inputs:      []int32{in, w, b},
			outputs:     []int32{out},
			optionsType: optionsConv2D,
			options: func(fb *flatbuffers.Builder) flatbuffers.UOffsetT {
				fb.StartObject(conv2DNumFields)
				fb.PrependInt8Slot(conv2DPadding, paddingValid, 0)
				fb.PrependInt32Slot(conv2DStrideW, 1, 0)
				fb.PrependInt32Slot(conv2DStrideH, 1, 0)
				fb.PrependInt8Slot(conv2DActivation, act, 0)
				return fb.EndObject()
			},
		})
		if logistic {
			out = g.addLogistic(prefix+"Sigmoid", layer.OutputShape(), out)
		}
		return out, nil

	case *model.MaxPool2D:
		size := int32(layer.Size)
		out := g.addActivation(prefix+"MaxPool", layer.OutputShape())
		g.ops = append(g.ops, opSpec{
			code:        OpMaxPool2D,
			inputs:      []int32{in},
			outputs:     []int32{out},
			optionsType: optionsPool2D,
			options: func(fb *flatbuffers.Builder) flatbuffers.UOffsetT {
				fb.StartObject(pool2DNumFields)
				fb.PrependInt8Slot(pool2DPadding, paddingValid, 0)
				fb.PrependInt32Slot(pool2DStrideW, size, 0)
				fb.PrependInt32Slot(pool2DStrideH, size, 0)
				fb.PrependInt32Slot(pool2DFilterW, size, 0)
				fb.PrependInt32Slot(pool2DFilterH, size, 0)
				fb.PrependInt8Slot(pool2DActivation, activationNone, 0)
				return fb.EndObject()
			},
		})
		return out, nil

	case *model.Flatten:
		newShape := []int32{-1, int32(layer.OutputShape()[0])}
		shape := g.addConstant(prefix+"Const", []int32{2}, Int32, encodeInt32(newShape))
		out := g.addActivation(prefix+"Reshape", layer.OutputShape())
		g.ops = append(g.ops, opSpec{
			code:        OpReshape,
			inputs:      []int32{in, shape},
			outputs:     []int32{out},
			optionsType: optionsReshape,
			options: func(fb *flatbuffers.Builder) flatbuffers.UOffsetT {
				vec := int32Vector(fb, newShape)
				fb.StartObject(reshapeNumFields)
				fb.PrependUOffsetTSlot(reshapeNewShape, vec, 0)
				return fb.EndObject()
			},
		})
		return out, nil

	case *model.Dense:
		kernel := layer.Kernel()
		rows, cols := kernel.Shape[0], kernel.Shape[1]
		w := g.addWeights(prefix+"MatMul", []int{cols, rows}, transpose(kernel.Value, rows, cols))
		b := g.addWeights(prefix+"BiasAdd/ReadVariableOp", []int{cols}, layer.Bias().Value)
		act, logistic := fusedActivation(layer.Activation)
		out := g.addActivation(prefix+activationSuffix(layer.Activation, "BiasAdd"), layer.OutputShape())
		g.ops = append(g.ops, opSpec{
			code:        OpFullyConnected,
			inputs:      []int32{in, w, b},
			outputs:     []int32{out},
			optionsType: optionsFullyConnected,
			options: func(fb *flatbuffers.Builder) flatbuffers.UOffsetT {
				fb.StartObject(fullyConnectedNumFields)
				fb.PrependInt8Slot(fullyConnectedActivation, act, 0)
				return fb.EndObject()
			},
		})
		if logistic {
			out = g.addLogistic(prefix+"Sigmoid", layer.OutputShape(), out)
		}
		return out, nil

	default:
		return 0, fmt.Errorf("%w: %s (%T)", ErrUnsupportedLayer, l.Name(), l)
	}
}

func (g *graph) addLogistic(name string, shape []int, in int32) int32 {
	out := g.addActivation(name, shape)
	g.ops = append(g.ops, opSpec{code: OpLogistic, inputs: []int32{in}, outputs: []int32{out}})
	return out
}

// fusedActivation maps a layer activation onto the fused activation field;
// sigmoid cannot be fused and needs a LOGISTIC op.
func fusedActivation(a model.Activation) (int8, bool) {
	switch a {
	case model.ReLU:
		return activationRelu, false
	case model.Sigmoid:
		return activationNone, true
	default:
		return activationNone, false
	}
}

func activationSuffix(a model.Activation, fallback string) string {
	if a == model.ReLU {
		return "Relu"
	}
	return fallback
}

func (g *graph) serialize(description string, meta []metadataEntry) []byte {
	b := flatbuffers.NewBuilder(1 << 16)

	bufferOffs := make([]flatbuffers.UOffsetT, len(g.buffers))
	for i, data := range g.buffers {
		var dataOff flatbuffers.UOffsetT
		if len(data) > 0 {
			b.StartVector(1, len(data), 16)
			for j := len(data) - 1; j >= 0; j-- {
				b.PrependByte(data[j])
			}
			dataOff = b.EndVector(len(data))
		}
		b.StartObject(bufferNumFields)
		if dataOff != 0 {
			b.PrependUOffsetTSlot(bufferData, dataOff, 0)
		}
		bufferOffs[i] = b.EndObject()
	}

	// Metadata payloads live in their own buffers after the tensor buffers.
	metaOffs := make([]flatbuffers.UOffsetT, len(meta))
	for i, m := range meta {
		dataOff := b.CreateByteVector(m.data)
		b.StartObject(bufferNumFields)
		b.PrependUOffsetTSlot(bufferData, dataOff, 0)
		bufferOffs = append(bufferOffs, b.EndObject())

		name := b.CreateString(m.name)
		b.StartObject(metadataNumFields)
		b.PrependUOffsetTSlot(metadataName, name, 0)
		b.PrependUint32Slot(metadataBuffer, uint32(len(bufferOffs)-1), 0)
		metaOffs[i] = b.EndObject()
	}

	tensorOffs := make([]flatbuffers.UOffsetT, len(g.tensors))
	for i, t := range g.tensors {
		name := b.CreateString(t.name)
		shape := int32Vector(b, t.shape)
		var sig flatbuffers.UOffsetT
		if t.signature != nil {
			sig = int32Vector(b, t.signature)
		}
		b.StartObject(tensorNumFields)
		b.PrependUOffsetTSlot(tensorShape, shape, 0)
		b.PrependInt8Slot(tensorType, int8(t.typ), 0)
		b.PrependUint32Slot(tensorBuffer, t.buffer, 0)
		b.PrependUOffsetTSlot(tensorName, name, 0)
		if sig != 0 {
			b.PrependUOffsetTSlot(tensorShapeSignature, sig, 0)
		}
		tensorOffs[i] = b.EndObject()
	}

	var codes []BuiltinOperator
	codeIndex := make(map[BuiltinOperator]uint32)
	opOffs := make([]flatbuffers.UOffsetT, len(g.ops))
	for i, op := range g.ops {
		idx, ok := codeIndex[op.code]
		if !ok {
			idx = uint32(len(codes))
			codeIndex[op.code] = idx
			codes = append(codes, op.code)
		}
		inputs := int32Vector(b, op.inputs)
		outputs := int32Vector(b, op.outputs)
		var opts flatbuffers.UOffsetT
		if op.options != nil {
			opts = op.options(b)
		}
		b.StartObject(operatorNumFields)
		b.PrependUint32Slot(operatorOpcodeIndex, idx, 0)
		b.PrependUOffsetTSlot(operatorInputs, inputs, 0)
		b.PrependUOffsetTSlot(operatorOutputs, outputs, 0)
		if op.optionsType != optionsNone {
			b.PrependByteSlot(operatorOptionsType, op.optionsType, 0)
			b.PrependUOffsetTSlot(operatorOptions, opts, 0)
		}
		opOffs[i] = b.EndObject()
	}

	codeOffs := make([]flatbuffers.UOffsetT, len(codes))
	for i, code := range codes {
		b.StartObject(opcodeNumFields)
		b.PrependInt8Slot(opcodeDeprecatedBuiltin, int8(min(int32(code), 127)), 0)
		b.PrependInt32Slot(opcodeVersion, code.version(), 1)
		b.PrependInt32Slot(opcodeBuiltin, int32(code), 0)
		codeOffs[i] = b.EndObject()
	}

	tensors := offsetVector(b, tensorOffs)
	inputs := int32Vector(b, g.inputs)
	outputs := int32Vector(b, g.outputs)
	operators := offsetVector(b, opOffs)
	sgName := b.CreateString("main")
	b.StartObject(subgraphNumFields)
	b.PrependUOffsetTSlot(subgraphTensors, tensors, 0)
	b.PrependUOffsetTSlot(subgraphInputs, inputs, 0)
	b.PrependUOffsetTSlot(subgraphOutputs, outputs, 0)
	b.PrependUOffsetTSlot(subgraphOperators, operators, 0)
	b.PrependUOffsetTSlot(subgraphName, sgName, 0)
	subgraph := b.EndObject()

	opcodes := offsetVector(b, codeOffs)
	subgraphs := offsetVector(b, []flatbuffers.UOffsetT{subgraph})
	desc := b.CreateString(description)
	buffers := offsetVector(b, bufferOffs)
	metadata := offsetVector(b, metaOffs)

	b.StartObject(modelNumFields)
	b.PrependUint32Slot(modelVersion, schemaVersion, 0)
	b.PrependUOffsetTSlot(modelOperatorCodes, opcodes, 0)
	b.PrependUOffsetTSlot(modelSubgraphs, subgraphs, 0)
	b.PrependUOffsetTSlot(modelDescription, desc, 0)
	b.PrependUOffsetTSlot(modelBuffers, buffers, 0)
	b.PrependUOffsetTSlot(modelMetadata, metadata, 0)
	root := b.EndObject()

	b.FinishWithFileIdentifier(root, []byte(fileIdentifier))
	return b.FinishedBytes()
}

func int32Vector(b *flatbuffers.Builder, vals []int32) flatbuffers.UOffsetT {
	b.StartVector(4, len(vals), 4)
	for i := len(vals) - 1; i >= 0; i-- {
		b.PrependInt32(vals[i])
	}
	return b.EndVector(len(vals))
}

func offsetVector(b *flatbuffers.Builder, offs []flatbuffers.UOffsetT) flatbuffers.UOffsetT {
	b.StartVector(4, len(offs), 4)
	for i := len(offs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(offs[i])
	}
	return b.EndVector(len(offs))
}

// hwioToOHWI reorders a [kh, kw, in, out] kernel to [out, kh, kw, in].
func hwioToOHWI(src []float64, kh, kw, ci, co int) []float64 {
	dst := make([]float64, len(src))
	for o := 0; o < co; o++ {
		for y := 0; y < kh; y++ {
			for x := 0; x < kw; x++ {
				for i := 0; i < ci; i++ {
					dst[((o*kh+y)*kw+x)*ci+i] = src[((y*kw+x)*ci+i)*co+o]
				}
			}
		}
	}
	return dst
}

// transpose turns a row-major rows x cols matrix into cols x rows.
func transpose(src []float64, rows, cols int) []float64 {
	dst := make([]float64, len(src))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			dst[c*rows+r] = src[r*cols+c]
		}
	}
	return dst
}

func encodeFloat32(vals []float64) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(float32(v)))
	}
	return out
}

func encodeFloat16(vals []float64) []byte {
	out := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(out[2*i:], float16.Fromfloat32(float32(v)).Bits())
	}
	return out
}

func encodeInt32(vals []int32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(v))
	}
	return out
}

func padded(s string, n int) []byte {
	out := make([]byte, max(n, len(s)))
	copy(out, s)
	return out
}

func toInt32(shape []int) []int32 {
	out := make([]int32, len(shape))
	for i, d := range shape {
		out[i] = int32(d)
	}
	return out
}
