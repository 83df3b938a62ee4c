package tflite

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/x448/float16"
)

// ErrInvalidModel reports a buffer that is not a readable TFLite model.
var ErrInvalidModel = errors.New("tflite: invalid model")

// TensorInfo describes one tensor of the main subgraph.
type TensorInfo struct {
	Name      string
	Shape     []int
	Signature []int
	Type      TensorType
	Buffer    uint32
	Data      []byte
}

// OperatorInfo describes one operator of the main subgraph.
type OperatorInfo struct {
	Code    BuiltinOperator
	Version int32
	Inputs  []int
	Outputs []int
}

// ModelInfo is the readable content of a TFLite model.
type ModelInfo struct {
	Version     uint32
	Description string
	Tensors     []TensorInfo
	Inputs      []int
	Outputs     []int
	Operators   []OperatorInfo
	Metadata    map[string][]byte
}

// InputTensors returns the subgraph input tensors.
func (m *ModelInfo) InputTensors() []TensorInfo { return m.pick(m.Inputs) }

// OutputTensors returns the subgraph output tensors.
func (m *ModelInfo) OutputTensors() []TensorInfo { return m.pick(m.Outputs) }

// Tensor looks a tensor up by name.
func (m *ModelInfo) Tensor(name string) (TensorInfo, bool) {
	for _, t := range m.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return TensorInfo{}, false
}

// OperatorNames lists the builtin name of every operator in execution order.
func (m *ModelInfo) OperatorNames() []string {
	names := make([]string, len(m.Operators))
	for i, op := range m.Operators {
		names[i] = op.Code.String()
	}
	return names
}

func (m *ModelInfo) pick(idx []int) []TensorInfo {
	out := make([]TensorInfo, 0, len(idx))
	for _, i := range idx {
		out = append(out, m.Tensors[i])
	}
	return out
}

// Parse reads the first subgraph of a TFLite flatbuffer.
func Parse(buf []byte) (info *ModelInfo, err error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidModel, len(buf))
	}
	if id := string(buf[4:8]); id != fileIdentifier {
		return nil, fmt.Errorf("%w: file identifier %q", ErrInvalidModel, id)
	}
	// flatbuffers accessors panic on out-of-range offsets.
	defer func() {
		if r := recover(); r != nil {
			info = nil
			err = fmt.Errorf("%w: %v", ErrInvalidModel, r)
		}
	}()

	root := table{flatbuffers.Table{Bytes: buf, Pos: flatbuffers.GetUOffsetT(buf)}}
	info = &ModelInfo{
		Version:     root.uint32(modelVersion, 0),
		Description: root.str(modelDescription),
		Metadata:    make(map[string][]byte),
	}

	var buffers [][]byte
	for _, bt := range root.tables(modelBuffers) {
		buffers = append(buffers, bt.bytes(bufferData))
	}
	bufferAt := func(i uint32) []byte {
		if int(i) >= len(buffers) {
			panic(fmt.Sprintf("buffer index %d out of range", i))
		}
		return buffers[i]
	}

	var codes []OperatorInfo
	for _, ct := range root.tables(modelOperatorCodes) {
		code := BuiltinOperator(ct.int32(opcodeBuiltin, 0))
		if dep := BuiltinOperator(ct.int8(opcodeDeprecatedBuiltin, 0)); dep > code {
			code = dep
		}
		codes = append(codes, OperatorInfo{Code: code, Version: ct.int32(opcodeVersion, 1)})
	}

	subgraphs := root.tables(modelSubgraphs)
	if len(subgraphs) == 0 {
		return nil, fmt.Errorf("%w: no subgraphs", ErrInvalidModel)
	}
	sg := subgraphs[0]
	for _, tt := range sg.tables(subgraphTensors) {
		t := TensorInfo{
			Name:      tt.str(tensorName),
			Shape:     toInts(tt.int32s(tensorShape)),
			Signature: toInts(tt.int32s(tensorShapeSignature)),
			Type:      TensorType(tt.int8(tensorType, 0)),
			Buffer:    tt.uint32(tensorBuffer, 0),
		}
		t.Data = bufferAt(t.Buffer)
		info.Tensors = append(info.Tensors, t)
	}
	info.Inputs = toInts(sg.int32s(subgraphInputs))
	info.Outputs = toInts(sg.int32s(subgraphOutputs))
	for _, i := range append(append([]int(nil), info.Inputs...), info.Outputs...) {
		if i < 0 || i >= len(info.Tensors) {
			return nil, fmt.Errorf("%w: tensor index %d out of range", ErrInvalidModel, i)
		}
	}
	for _, ot := range sg.tables(subgraphOperators) {
		idx := ot.uint32(operatorOpcodeIndex, 0)
		if int(idx) >= len(codes) {
			return nil, fmt.Errorf("%w: opcode index %d out of range", ErrInvalidModel, idx)
		}
		op := codes[idx]
		op.Inputs = toInts(ot.int32s(operatorInputs))
		op.Outputs = toInts(ot.int32s(operatorOutputs))
		info.Operators = append(info.Operators, op)
	}

	for _, mt := range root.tables(modelMetadata) {
		info.Metadata[mt.str(metadataName)] = bufferAt(mt.uint32(metadataBuffer, 0))
	}
	return info, nil
}

// DecodeFloats returns the constant data of a FLOAT32 or FLOAT16 tensor.
func DecodeFloats(t TensorInfo) ([]float64, error) {
	switch t.Type {
	case Float32:
		if len(t.Data)%4 != 0 {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrInvalidModel, t.Name, len(t.Data))
		}
		out := make([]float64, len(t.Data)/4)
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:])))
		}
		return out, nil
	case Float16:
		if len(t.Data)%2 != 0 {
			return nil, fmt.Errorf("%w: %s has %d bytes", ErrInvalidModel, t.Name, len(t.Data))
		}
		out := make([]float64, len(t.Data)/2)
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(t.Data[2*i:])).Float32())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("tflite: %s is %s, not a float tensor", t.Name, t.Type)
	}
}

// table wraps flatbuffers.Table with slot-indexed accessors.
type table struct {
	t flatbuffers.Table
}

func (t table) offset(slot int) flatbuffers.UOffsetT {
	return flatbuffers.UOffsetT(t.t.Offset(flatbuffers.VOffsetT(4 + 2*slot)))
}

func (t table) uint32(slot int, def uint32) uint32 {
	if o := t.offset(slot); o != 0 {
		return t.t.GetUint32(o + t.t.Pos)
	}
	return def
}

func (t table) int32(slot int, def int32) int32 {
	if o := t.offset(slot); o != 0 {
		return t.t.GetInt32(o + t.t.Pos)
	}
	return def
}

func (t table) int8(slot int, def int8) int8 {
	if o := t.offset(slot); o != 0 {
		return t.t.GetInt8(o + t.t.Pos)
	}
	return def
}

func (t table) str(slot int) string {
	if o := t.offset(slot); o != 0 {
		return t.t.String(o + t.t.Pos)
	}
	return ""
}

func (t table) bytes(slot int) []byte {
	if o := t.offset(slot); o != 0 {
		return t.t.ByteVector(o + t.t.Pos)
	}
	return nil
}

func (t table) int32s(slot int) []int32 {
	o := t.offset(slot)
	if o == 0 {
		return nil
	}
	n := t.t.VectorLen(o)
	start := t.t.Vector(o)
	out := make([]int32, n)
	for i := range out {
		out[i] = t.t.GetInt32(start + flatbuffers.UOffsetT(i*4))
	}
	return out
}

func (t table) tables(slot int) []table {
	o := t.offset(slot)
	if o == 0 {
		return nil
	}
	n := t.t.VectorLen(o)
	start := t.t.Vector(o)
	out := make([]table, n)
	for i := range out {
		pos := t.t.Indirect(start + flatbuffers.UOffsetT(i*4))
		out[i] = table{flatbuffers.Table{Bytes: t.t.Bytes, Pos: pos}}
	}
	return out
}

func toInts(vals []int32) []int {
	if vals == nil {
		return nil
	}
	out := make([]int, len(vals))
	for i, v := range vals {
		out[i] = int(v)
	}
	return out
}
