package nn

import (
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/branchynet/internal/serialization"
	"github.com/born-ml/branchynet/internal/tensor"
)

// MetaCheckpointID is the header metadata key holding the checkpoint id.
const MetaCheckpointID = "checkpoint_id"

// SafeTensors files have no model type field; it is kept in the metadata.
const metaModelType = "model_type"

// CheckpointInfo describes a saved or loaded checkpoint.
type CheckpointInfo struct {
	ID        string            // random UUID assigned at save time
	ModelType string            // e.g. "standard"
	CreatedAt time.Time         // when the file was written
	Metadata  map[string]string // free-form header metadata, including the id
	Tensors   int               // number of tensors in the file
}

// Stateful is anything that exposes a state dict: every Module, and whole
// networks.
type Stateful interface {
	StateDict() map[string]*tensor.RawTensor
	LoadStateDict(stateDict map[string]*tensor.RawTensor) error
}

// SaveCheckpoint writes model's state dict to path in the .born format, or as
// SafeTensors when path ends in ".safetensors".
//
// metadata is copied into the header along with a fresh checkpoint id.
//
// Example:
//
//	info, err := nn.SaveCheckpoint("brn.born", net, "standard", map[string]string{"threshold": "0.5"})
func SaveCheckpoint(path string, model Stateful, modelType string, metadata map[string]string) (*CheckpointInfo, error) {
	meta := make(map[string]string, len(metadata)+1)
	maps.Copy(meta, metadata)
	id := uuid.NewString()
	meta[MetaCheckpointID] = id

	stateDict := model.StateDict()
	var err error
	if isSafetensors(path) {
		meta[metaModelType] = modelType
		err = serialization.WriteSafetensorsFile(path, stateDict, meta)
	} else {
		err = serialization.WriteFile(path, stateDict, modelType, meta)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to write checkpoint")
	}
	klog.V(1).Infof("saved checkpoint %s (%s, %d tensors) to %s", id, modelType, len(stateDict), path)

	return &CheckpointInfo{
		ID:        id,
		ModelType: modelType,
		CreatedAt: time.Now().UTC(),
		Metadata:  meta,
		Tensors:   len(stateDict),
	}, nil
}

// LoadCheckpoint restores model's parameters from a .born file, or from a
// SafeTensors file (e.g. a PyTorch state dict) when path ends in
// ".safetensors".
//
// The model must be constructed with the same architecture as when the
// checkpoint was saved. A parameter with no entry fails with a
// *MissingKeyError, a wrong shape with a *tensor.ShapeMismatchError, and
// entries that match no parameter with ErrUnexpectedCheckpointKey. Loaded
// values are bit-identical to the saved ones.
func LoadCheckpoint(path string, device tensor.Device, model Stateful) (*CheckpointInfo, error) {
	var stateDict map[string]*tensor.RawTensor
	info := &CheckpointInfo{}
	if isSafetensors(path) {
		var meta map[string]string
		var err error
		stateDict, meta, err = serialization.ReadSafetensors(path, device)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read checkpoint")
		}
		info.ID, info.ModelType, info.Metadata = meta[MetaCheckpointID], meta[metaModelType], meta
	} else {
		var header serialization.Header
		var err error
		stateDict, header, err = serialization.ReadFile(path, device)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read checkpoint")
		}
		info.ID, info.ModelType, info.CreatedAt, info.Metadata = header.Metadata[MetaCheckpointID], header.ModelType, header.CreatedAt, header.Metadata
	}
	if err := LoadStrict(model, stateDict); err != nil {
		return nil, err
	}
	info.Tensors = len(stateDict)
	klog.V(1).Infof("loaded checkpoint %s (%s, %d tensors) from %s", info.ID, info.ModelType, info.Tensors, path)
	return info, nil
}

// LoadStrict loads stateDict into model and rejects keys that no parameter
// of model claims.
func LoadStrict(model Stateful, stateDict map[string]*tensor.RawTensor) error {
	expected := model.StateDict()
	var unexpected []string
	for key := range stateDict {
		if _, ok := expected[key]; !ok {
			unexpected = append(unexpected, key)
		}
	}
	if len(unexpected) > 0 {
		slices.Sort(unexpected)
		return errors.Wrapf(ErrUnexpectedCheckpointKey, "%q", unexpected)
	}
	if err := CheckStateDict(model, stateDict); err != nil {
		return err
	}
	return model.LoadStateDict(stateDict)
}

// CheckStateDict verifies that stateDict has an entry of the right shape and
// dtype for every parameter of model, without modifying model. Loading only
// after it succeeds leaves model untouched on failure.
func CheckStateDict(model Stateful, stateDict map[string]*tensor.RawTensor) error {
	expected := model.StateDict()
	for _, key := range slices.Sorted(maps.Keys(expected)) {
		raw, ok := stateDict[key]
		if !ok {
			return &MissingKeyError{Key: key}
		}
		if err := checkEntry(key, expected[key], raw); err != nil {
			return err
		}
	}
	return nil
}

func isSafetensors(path string) bool {
	return filepath.Ext(path) == serialization.SafetensorsExt
}
