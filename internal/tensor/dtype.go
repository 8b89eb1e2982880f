// Package tensor provides the tensor types used by the early-exit network,
// its CPU backend and the ONNX runtime.
package tensor

// DType is a constraint for supported tensor element types.
type DType interface {
	~float32 | ~int64
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types. Float32 carries activations and weights; Int64 carries
// shape operands (ONNX Reshape).
const (
	Float32 DataType = iota
	Int64
)

// Size returns the byte size of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Int64:
		return 8
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	default:
		return "unknown"
	}
}

// inferDataType infers DataType from a generic type T.
func inferDataType[T DType](dummy T) DataType {
	switch any(dummy).(type) {
	case float32:
		return Float32
	case int64:
		return Int64
	default:
		panic("unsupported type")
	}
}
