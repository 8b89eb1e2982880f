package serialization

import (
	"time"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Format constants.
const (
	MagicBytes       = "BORN"
	FormatVersion    = 2
	HeaderAlignment  = 64   // tensor data starts on a 64-byte boundary
	FixedHeaderSize  = 64   // 0x40 bytes
	ChecksumSize     = 32   // SHA-256
	ChecksumOffset   = 0x20 // checksum position in the fixed header
	headerSizeOffset = 0x10
	dataSizeOffset   = 0x18
)

// Data type string constants for serialization.
const (
	DTypeFloat32 = "float32"
	DTypeInt64   = "int64"
)

// Flags for the .born format.
const (
	FlagHasMetadata uint32 = 1 << 2
)

// Header is the JSON header of a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`
	Producer      string            `json:"producer"`
	ModelType     string            `json:"model_type"` // e.g. "standard", "fcn", "se"
	CreatedAt     time.Time         `json:"created_at"`
	Tensors       []TensorMeta      `json:"tensors"`
	Metadata      map[string]string `json:"metadata"`
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`   // state dict key, e.g. "backbone.1.1.layer.0.weight"
	DType  string `json:"dtype"`  // "float32" or "int64"
	Shape  []int  `json:"shape"`  // tensor shape
	Offset int64  `json:"offset"` // bytes from the start of the data section
	Size   int64  `json:"size"`   // bytes
}

func dtypeToString(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return DTypeFloat32
	case tensor.Int64:
		return DTypeInt64
	default:
		return "unknown"
	}
}

func stringToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case DTypeFloat32:
		return tensor.Float32, true
	case DTypeInt64:
		return tensor.Int64, true
	default:
		return 0, false
	}
}

// alignedDataOffset returns where the tensor section starts for a JSON header
// of headerSize bytes.
func alignedDataOffset(headerSize int64) int64 {
	pos := int64(FixedHeaderSize) + headerSize
	return pos + (HeaderAlignment-pos%HeaderAlignment)%HeaderAlignment
}
