package onnx

// ONNX protobuf data structures (hand-written subset of onnx.proto).

// ModelProto represents an ONNX model.
type ModelProto struct {
	IRVersion       int64               // IR version
	OpsetImport     []OperatorSetID     // Opset version(s)
	ProducerName    string              // Framework name
	ProducerVersion string              // Framework version
	Domain          string              // Model domain
	ModelVersion    int64               // Model version number
	DocString       string              // Model description
	Graph           *GraphProto         // Computation graph
	MetadataProps   []StringStringEntry // Key-value metadata
}

// GraphProto represents the computation graph.
type GraphProto struct {
	Name         string           // Graph name
	Nodes        []NodeProto      // Operation nodes
	Inputs       []ValueInfoProto // Graph inputs
	Outputs      []ValueInfoProto // Graph outputs
	Initializers []TensorProto    // Weight tensors
	DocString    string           // Graph description
	ValueInfo    []ValueInfoProto // Intermediate tensor info
}

// NodeProto represents a single operation.
type NodeProto struct {
	Name       string           // Node name (optional)
	OpType     string           // Operation type (e.g., "Conv", "MatMul", "Relu")
	Inputs     []string         // Input tensor names
	Outputs    []string         // Output tensor names
	Attributes []AttributeProto // Operation attributes
	Domain     string           // Custom domain (empty for default)
	DocString  string           // Node description
}

// TensorProto represents a tensor (weights/initializers).
type TensorProto struct {
	Name      string    // Tensor name
	DataType  int32     // Element data type
	Dims      []int64   // Tensor shape
	RawData   []byte    // Little-endian payload
	FloatData []float32 // Float32 data (legacy)
	Int64Data []int64   // Int64 data (legacy)
	DocString string    // Tensor description
}

// ValueInfoProto describes input/output tensor specifications.
type ValueInfoProto struct {
	Name      string     // Tensor name
	Type      *TypeProto // Tensor type information
	DocString string     // Description
}

// TypeProto describes a value type. Only tensor types are supported.
type TypeProto struct {
	TensorType *TensorTypeProto
}

// TensorTypeProto describes tensor shape and element type.
type TensorTypeProto struct {
	ElemType int32             // Element data type
	Shape    *TensorShapeProto // Tensor shape
}

// TensorShapeProto describes tensor dimensions.
type TensorShapeProto struct {
	Dims []DimensionProto
}

// DimensionProto describes a single dimension. Exactly one field is set.
type DimensionProto struct {
	DimValue int64  // Static dimension value (e.g., 28)
	DimParam string // Dynamic dimension name (e.g., "batch_size")
}

// AttributeProto represents node attributes.
type AttributeProto struct {
	Name      string    // Attribute name
	Type      int32     // Attribute type
	F         float32   // FLOAT value
	I         int64     // INT value
	S         []byte    // STRING value
	Floats    []float32 // FLOATS array
	Ints      []int64   // INTS array
	Strings   [][]byte  // STRINGS array
	DocString string    // Description
}

// OperatorSetID identifies opset version.
type OperatorSetID struct {
	Domain  string // Operator domain (empty for default)
	Version int64  // Opset version number
}

// StringStringEntry represents key-value metadata.
type StringStringEntry struct {
	Key   string
	Value string
}

// ONNX data types (TensorProto.DataType).
const (
	TensorProtoUndefined = 0
	TensorProtoFloat     = 1 // float32
	TensorProtoInt64     = 7 // int64
)

// ONNX attribute types (AttributeProto.Type).
const (
	AttributeProtoUndefined = 0
	AttributeProtoFloat     = 1 // FLOAT
	AttributeProtoInt       = 2 // INT
	AttributeProtoString    = 3 // STRING
	AttributeProtoFloats    = 6 // FLOATS
	AttributeProtoInts      = 7 // INTS
	AttributeProtoStrings   = 8 // STRINGS
)
