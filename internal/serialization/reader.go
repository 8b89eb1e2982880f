package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/tensor"
)

// ReaderOptions configures Read.
type ReaderOptions struct {
	SkipChecksumValidation bool            // skip the SHA-256 check
	ValidationLevel        ValidationLevel // header validation strictness
}

// Read decodes a .born stream into a state dict. Tensors are allocated on
// device and hold copies of the file data.
func Read(r io.Reader, device tensor.Device, opts ...ReaderOptions) (map[string]*tensor.RawTensor, Header, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Header{}, errors.Wrap(err, "failed to read")
	}
	return Decode(data, device, opts...)
}

// ReadFile reads a .born file.
func ReadFile(path string, device tensor.Device, opts ...ReaderOptions) (map[string]*tensor.RawTensor, Header, error) {
	//nolint:gosec // G304: path is chosen by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Header{}, errors.Wrap(err, "failed to open file")
	}
	sd, header, err := Decode(data, device, opts...)
	if err != nil {
		return nil, Header{}, errors.Wrapf(err, "%s", path)
	}
	return sd, header, nil
}

// Decode parses a complete .born file held in memory.
func Decode(data []byte, device tensor.Device, opts ...ReaderOptions) (map[string]*tensor.RawTensor, Header, error) {
	opt := ReaderOptions{ValidationLevel: ValidationStrict}
	if len(opts) > 0 {
		opt = opts[0]
	}

	header, section, err := parse(data, opt)
	if err != nil {
		return nil, Header{}, err
	}

	stateDict := make(map[string]*tensor.RawTensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		raw, err := decodeTensor(meta, section, device)
		if err != nil {
			return nil, Header{}, errors.Wrapf(err, "tensor %s", meta.Name)
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, header, nil
}

// parse validates the fixed header and returns the JSON header together with
// the tensor data section.
func parse(data []byte, opt ReaderOptions) (Header, []byte, error) {
	if len(data) < FixedHeaderSize {
		if len(data) >= 4 && string(data[:4]) != MagicBytes {
			return Header{}, nil, ErrInvalidMagic
		}
		return Header{}, nil, errors.Wrapf(ErrTruncated, "%d bytes, need at least %d", len(data), FixedHeaderSize)
	}
	if string(data[:4]) != MagicBytes {
		return Header{}, nil, ErrInvalidMagic
	}
	if version := binary.LittleEndian.Uint32(data[4:8]); version != FormatVersion {
		return Header{}, nil, errors.Wrapf(ErrUnsupportedVersion, "got %d, expected %d", version, FormatVersion)
	}

	headerSize := binary.LittleEndian.Uint64(data[headerSizeOffset : headerSizeOffset+8])
	dataSize := binary.LittleEndian.Uint64(data[dataSizeOffset : dataSizeOffset+8])
	var checksum [ChecksumSize]byte
	copy(checksum[:], data[ChecksumOffset:ChecksumOffset+ChecksumSize])

	if headerSize > MaxHeaderSize {
		return Header{}, nil, ErrHeaderTooLarge
	}
	headerEnd := FixedHeaderSize + int64(headerSize)
	if headerEnd > int64(len(data)) {
		return Header{}, nil, errors.Wrap(ErrTruncated, "header")
	}

	var header Header
	if err := json.Unmarshal(data[FixedHeaderSize:headerEnd], &header); err != nil {
		return Header{}, nil, errors.Wrap(err, "failed to parse header JSON")
	}

	start := alignedDataOffset(int64(headerSize))
	if dataSize > uint64(len(data)) || start+int64(dataSize) > int64(len(data)) {
		return Header{}, nil, errors.Wrapf(ErrTruncated, "data section of %d bytes", dataSize)
	}
	section := data[start : start+int64(dataSize)]

	if !opt.SkipChecksumValidation {
		if err := ValidateChecksum(section, checksum); err != nil {
			return Header{}, nil, err
		}
	}
	if err := ValidateHeader(&header, int64(dataSize), opt.ValidationLevel); err != nil {
		return Header{}, nil, errors.Wrap(err, "validation failed")
	}
	return header, section, nil
}

func decodeTensor(meta TensorMeta, section []byte, device tensor.Device) (*tensor.RawTensor, error) {
	dtype, ok := stringToDtype(meta.DType)
	if !ok {
		return nil, errors.Errorf("unsupported dtype: %s", meta.DType)
	}
	shape := tensor.Shape(meta.Shape)
	raw, err := tensor.NewRaw(shape, dtype, device)
	if err != nil {
		return nil, err
	}
	if int64(raw.ByteSize()) != meta.Size {
		return nil, &ValidationError{
			Type:    "size_mismatch",
			Tensor:  meta.Name,
			Details: fmt.Sprintf("shape %v %s needs %d bytes, header says %d", shape, meta.DType, raw.ByteSize(), meta.Size),
		}
	}
	if meta.Offset < 0 || meta.Offset+meta.Size > int64(len(section)) {
		return nil, &ValidationError{Type: "out_of_bounds", Tensor: meta.Name, Details: "outside the data section"}
	}
	copy(raw.Data(), section[meta.Offset:meta.Offset+meta.Size])
	return raw, nil
}
