package serialization

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Producer is recorded in every header written by this package.
const Producer = "branchynet"

// Write encodes stateDict as a .born v2 stream.
func Write(w io.Writer, stateDict map[string]*tensor.RawTensor, modelType string, metadata map[string]string) error {
	header := Header{
		FormatVersion: FormatVersion,
		Producer:      Producer,
		ModelType:     modelType,
		CreatedAt:     time.Now().UTC(),
		Tensors:       make([]TensorMeta, 0, len(stateDict)),
		Metadata:      metadata,
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	names := slices.Sorted(maps.Keys(stateDict))
	var offset int64
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		raw := stateDict[name]
		size := int64(raw.ByteSize())
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  dtypeToString(raw.DType()),
			Shape:  []int(raw.Shape().Clone()),
			Offset: offset,
			Size:   size,
		})
		offset += size
	}

	data := make([]byte, 0, offset)
	for _, name := range names {
		data = append(data, stateDict[name].Data()...)
	}
	checksum := ComputeChecksum(data)

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to marshal header")
	}
	if len(headerJSON) > MaxHeaderSize {
		return ErrHeaderTooLarge
	}

	fixed := make([]byte, FixedHeaderSize)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], FormatVersion)
	var flags uint32
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[headerSizeOffset:headerSizeOffset+8], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[dataSizeOffset:dataSizeOffset+8], uint64(len(data)))
	copy(fixed[ChecksumOffset:ChecksumOffset+ChecksumSize], checksum[:])

	if _, err := w.Write(fixed); err != nil {
		return errors.Wrap(err, "failed to write fixed header")
	}
	if _, err := w.Write(headerJSON); err != nil {
		return errors.Wrap(err, "failed to write header JSON")
	}

	headerLen := int64(len(headerJSON))
	if padding := alignedDataOffset(headerLen) - FixedHeaderSize - headerLen; padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return errors.Wrap(err, "failed to write padding")
		}
	}

	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write tensor data")
	}
	return nil
}

// WriteFile writes stateDict to path, replacing any existing file.
func WriteFile(path string, stateDict map[string]*tensor.RawTensor, modelType string, metadata map[string]string) (err error) {
	//nolint:gosec // G304: path is chosen by the caller
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create file")
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = errors.Wrap(closeErr, "failed to close file")
		}
	}()
	return Write(f, stateDict, modelType, metadata)
}
