// Package tflite writes and reads TensorFlow Lite flatbuffer models.
//
// Only the subset of schema.fbs needed for small convolutional classifiers is
// covered. Field slots below are the field ids of the schema tables.
package tflite

import "fmt"

const (
	schemaVersion  = 3
	fileIdentifier = "TFL3"
)

// TensorType is the element type of a tensor.
type TensorType int8

const (
	Float32 TensorType = 0
	Float16 TensorType = 1
	Int32   TensorType = 2
	UInt8   TensorType = 3
	Int64   TensorType = 4
	Int8    TensorType = 9
)

func (t TensorType) String() string {
	switch t {
	case Float32:
		return "FLOAT32"
	case Float16:
		return "FLOAT16"
	case Int32:
		return "INT32"
	case UInt8:
		return "UINT8"
	case Int64:
		return "INT64"
	case Int8:
		return "INT8"
	default:
		return fmt.Sprintf("TensorType(%d)", int8(t))
	}
}

// BuiltinOperator identifies a builtin kernel.
type BuiltinOperator int32

const (
	OpConv2D         BuiltinOperator = 3
	OpDequantize     BuiltinOperator = 6
	OpFullyConnected BuiltinOperator = 9
	OpLogistic       BuiltinOperator = 14
	OpMaxPool2D      BuiltinOperator = 17
	OpReshape        BuiltinOperator = 22
)

var builtinNames = map[BuiltinOperator]string{
	OpConv2D:         "CONV_2D",
	OpDequantize:     "DEQUANTIZE",
	OpFullyConnected: "FULLY_CONNECTED",
	OpLogistic:       "LOGISTIC",
	OpMaxPool2D:      "MAX_POOL_2D",
	OpReshape:        "RESHAPE",
}

func (op BuiltinOperator) String() string {
	if name, ok := builtinNames[op]; ok {
		return name
	}
	return fmt.Sprintf("BUILTIN_%d", int32(op))
}

// version is the operator version written to OperatorCode. Float16 input to
// DEQUANTIZE needs version 3.
func (op BuiltinOperator) version() int32 {
	if op == OpDequantize {
		return 3
	}
	return 1
}

// BuiltinOptions union discriminants.
const (
	optionsNone           byte = 0
	optionsConv2D         byte = 1
	optionsPool2D         byte = 5
	optionsFullyConnected byte = 8
	optionsReshape        byte = 17
)

const (
	paddingValid int8 = 1

	activationNone int8 = 0
	activationRelu int8 = 1
)

// Model table.
const (
	modelVersion       = 0
	modelOperatorCodes = 1
	modelSubgraphs     = 2
	modelDescription   = 3
	modelBuffers       = 4
	modelMetadata      = 6
	modelNumFields     = 8
)

// OperatorCode table.
const (
	opcodeDeprecatedBuiltin = 0
	opcodeVersion           = 2
	opcodeBuiltin           = 3
	opcodeNumFields         = 4
)

// SubGraph table.
const (
	subgraphTensors   = 0
	subgraphInputs    = 1
	subgraphOutputs   = 2
	subgraphOperators = 3
	subgraphName      = 4
	subgraphNumFields = 5
)

// Tensor table.
const (
	tensorShape          = 0
	tensorType           = 1
	tensorBuffer         = 2
	tensorName           = 3
	tensorShapeSignature = 7
	tensorNumFields      = 10
)

// Operator table. The union occupies two slots: type then value.
const (
	operatorOpcodeIndex = 0
	operatorInputs      = 1
	operatorOutputs     = 2
	operatorOptionsType = 3
	operatorOptions     = 4
	operatorNumFields   = 9
)

// Buffer and Metadata tables.
const (
	bufferData        = 0
	bufferNumFields   = 3
	metadataName      = 0
	metadataBuffer    = 1
	metadataNumFields = 2
)

// Option tables.
const (
	conv2DPadding    = 0
	conv2DStrideW    = 1
	conv2DStrideH    = 2
	conv2DActivation = 3
	conv2DNumFields  = 6

	pool2DPadding    = 0
	pool2DStrideW    = 1
	pool2DStrideH    = 2
	pool2DFilterW    = 3
	pool2DFilterH    = 4
	pool2DActivation = 5
	pool2DNumFields  = 6

	fullyConnectedActivation = 0
	fullyConnectedNumFields  = 4

	reshapeNewShape  = 0
	reshapeNumFields = 1
)
