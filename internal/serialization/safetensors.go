package serialization

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"maps"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/born-ml/branchynet/internal/tensor"
)

// SafeTensors layout:
// [8 bytes: header size, uint64 LE]
// [header: JSON object name -> {dtype, shape, data_offsets}, plus "__metadata__"]
// [tensor data]

// SafetensorsExt is the file extension of SafeTensors files.
const SafetensorsExt = ".safetensors"

const safetensorsMetadataKey = "__metadata__"

// SafeTensors dtypes. F16 and BF16 are widened to float32 on read.
const (
	SafetensorsF32  = "F32"
	SafetensorsF16  = "F16"
	SafetensorsBF16 = "BF16"
	SafetensorsI64  = "I64"
)

type safetensorsInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensors reads a SafeTensors file, e.g. a PyTorch state dict saved
// with safetensors.torch.save_file. Half-precision tensors are converted to
// float32.
func ReadSafetensors(path string, device tensor.Device) (map[string]*tensor.RawTensor, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to read %q", path)
	}
	sd, meta, err := DecodeSafetensors(data, device)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%q", path)
	}
	return sd, meta, nil
}

// DecodeSafetensors parses an in-memory SafeTensors file.
func DecodeSafetensors(data []byte, device tensor.Device) (map[string]*tensor.RawTensor, map[string]string, error) {
	if len(data) < 8 {
		return nil, nil, errors.Wrap(ErrTruncated, "safetensors header size")
	}
	headerSize := binary.LittleEndian.Uint64(data)
	if headerSize > MaxHeaderSize {
		return nil, nil, errors.Wrapf(ErrHeaderTooLarge, "%d bytes", headerSize)
	}
	if uint64(len(data)-8) < headerSize {
		return nil, nil, errors.Wrap(ErrTruncated, "safetensors header")
	}
	body := data[8+headerSize:]

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &entries); err != nil {
		return nil, nil, errors.Wrap(ErrInvalidHeader, err.Error())
	}

	var meta map[string]string
	if raw, ok := entries[safetensorsMetadataKey]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, nil, errors.Wrapf(ErrInvalidHeader, "metadata: %v", err)
		}
		delete(entries, safetensorsMetadataKey)
	}

	sd := make(map[string]*tensor.RawTensor, len(entries))
	for name, raw := range entries {
		var info safetensorsInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, nil, errors.Wrapf(ErrInvalidHeader, "tensor %q: %v", name, err)
		}
		t, err := decodeSafetensor(name, info, body, device)
		if err != nil {
			return nil, nil, err
		}
		sd[name] = t
	}
	return sd, meta, nil
}

func decodeSafetensor(name string, info safetensorsInfo, body []byte, device tensor.Device) (*tensor.RawTensor, error) {
	shape := tensor.Shape(info.Shape)
	if err := shape.Validate(); err != nil {
		return nil, &ValidationError{Type: "invalid_shape", Tensor: name, Details: err.Error()}
	}
	start, end := info.DataOffsets[0], info.DataOffsets[1]
	if start < 0 || end < start || end > int64(len(body)) {
		return nil, &ValidationError{Type: "out_of_bounds", Tensor: name, Details: "data_offsets outside the data section"}
	}
	src := body[start:end]
	n := shape.NumElements()

	var elemSize int
	var dtype tensor.DataType
	switch info.DType {
	case SafetensorsF32:
		elemSize, dtype = 4, tensor.Float32
	case SafetensorsF16, SafetensorsBF16:
		elemSize, dtype = 2, tensor.Float32
	case SafetensorsI64:
		elemSize, dtype = 8, tensor.Int64
	default:
		return nil, &ValidationError{Type: "unsupported_dtype", Tensor: name, Details: info.DType}
	}
	if len(src) != n*elemSize {
		return nil, &ValidationError{Type: "size_mismatch", Tensor: name,
			Details: "data_offsets do not match shape and dtype"}
	}

	t, err := tensor.NewRaw(shape, dtype, device)
	if err != nil {
		return nil, errors.Wrapf(err, "tensor %q", name)
	}
	switch info.DType {
	case SafetensorsF16:
		out := t.AsFloat32()
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(src[2*i:])).Float32()
		}
	case SafetensorsBF16:
		out := t.AsFloat32()
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(src[2*i:])) << 16)
		}
	default:
		copy(t.Data(), src)
	}
	return t, nil
}

// WriteSafetensors writes a state dict as a SafeTensors file with float32
// and int64 tensors stored as F32 and I64.
func WriteSafetensors(w io.Writer, stateDict map[string]*tensor.RawTensor, metadata map[string]string) error {
	header := make(map[string]any, len(stateDict)+1)
	if len(metadata) > 0 {
		header[safetensorsMetadataKey] = metadata
	}
	names := slices.Sorted(maps.Keys(stateDict))
	var offset int64
	for _, name := range names {
		t := stateDict[name]
		dtype := SafetensorsF32
		if t.DType() == tensor.Int64 {
			dtype = SafetensorsI64
		}
		size := int64(t.ByteSize())
		header[name] = safetensorsInfo{DType: dtype, Shape: t.Shape(), DataOffsets: [2]int64{offset, offset + size}}
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	// Pad the header with spaces so the data section is 8-byte aligned.
	for len(headerJSON)%8 != 0 {
		headerJSON = append(headerJSON, ' ')
	}

	var size [8]byte
	binary.LittleEndian.PutUint64(size[:], uint64(len(headerJSON)))
	if _, err := w.Write(size[:]); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write safetensors header")
	}
	for _, name := range names {
		if _, err := w.Write(stateDict[name].Data()); err != nil {
			return errors.Wrapf(err, "failed to write tensor %q", name)
		}
	}
	return nil
}

// WriteSafetensorsFile writes a state dict to path.
func WriteSafetensorsFile(path string, stateDict map[string]*tensor.RawTensor, metadata map[string]string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = errors.Wrapf(cerr, "failed to close %q", path)
		}
	}()
	return WriteSafetensors(f, stateDict, metadata)
}
