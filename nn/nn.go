// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the layers branchynet networks are assembled from.
//
// Every layer implements Module: a pure forward pass, a PyTorch-compatible
// state dict and ONNX export. Layers panic with *tensor.ShapeMismatchError
// on malformed input.
package nn

import (
	"math/rand/v2"

	"github.com/born-ml/branchynet/internal/nn"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Module is the interface implemented by every layer.
type Module[B tensor.Backend] = nn.Module[B]

// Parameter is a named learned tensor.
type Parameter[B tensor.Backend] = nn.Parameter[B]

// Stateful is anything with a state dict: modules and whole networks.
type Stateful = nn.Stateful

// NewSource returns a seeded random source for weight initialization.
func NewSource(seed uint64) rand.Source {
	return nn.NewSource(seed)
}

// Layers

// Conv2D is a square-kernel 2D convolution.
type Conv2D[B tensor.Backend] = nn.Conv2D[B]

// NewConv2D creates a convolution with Xavier-initialized weights.
//
// Example:
//
//	conv := nn.NewConv2D(1, 5, 5, 1, 3, true, nn.NewSource(0), cpu.New()) // k5, stride 1, padding 3
func NewConv2D[B tensor.Backend](inChannels, outChannels, kernelSize, stride, padding int, useBias bool, src rand.Source, backend B) *Conv2D[B] {
	return nn.NewConv2D(inChannels, outChannels, kernelSize, stride, padding, useBias, src, backend)
}

// MaxPool2D is square max pooling.
type MaxPool2D[B tensor.Backend] = nn.MaxPool2D[B]

// NewMaxPool2D creates a pooling layer. ceilMode rounds the output size up.
func NewMaxPool2D[B tensor.Backend](kernelSize, stride int, ceilMode bool, backend B) *MaxPool2D[B] {
	return nn.NewMaxPool2D(kernelSize, stride, ceilMode, backend)
}

// Linear is a fully connected layer.
type Linear[B tensor.Backend] = nn.Linear[B]

// NewLinear creates a fully connected layer with Xavier-initialized weights.
func NewLinear[B tensor.Backend](inFeatures, outFeatures int, useBias bool, src rand.Source, backend B) *Linear[B] {
	return nn.NewLinear(inFeatures, outFeatures, useBias, src, backend)
}

// ReLU is the rectified linear activation.
type ReLU[B tensor.Backend] = nn.ReLU[B]

// NewReLU creates a ReLU activation.
func NewReLU[B tensor.Backend]() *ReLU[B] {
	return nn.NewReLU[B]()
}

// Flatten collapses every dimension after the batch.
type Flatten[B tensor.Backend] = nn.Flatten[B]

// NewFlatten creates a Flatten layer.
func NewFlatten[B tensor.Backend]() *Flatten[B] {
	return nn.NewFlatten[B]()
}

// Sequential chains modules.
type Sequential[B tensor.Backend] = nn.Sequential[B]

// NewSequential creates a Sequential container.
func NewSequential[B tensor.Backend](modules ...Module[B]) *Sequential[B] {
	return nn.NewSequential(modules...)
}

// ConvBlock is Conv2D -> MaxPool2D(2) -> ReLU.
type ConvBlock[B tensor.Backend] = nn.ConvBlock[B]

// ConvBlockOptions configures a ConvBlock.
type ConvBlockOptions = nn.ConvBlockOptions

// DefaultConvBlockOptions returns kernel 3, stride 1, padding 1, floor
// pooling, with bias.
func DefaultConvBlockOptions() ConvBlockOptions {
	return nn.DefaultConvBlockOptions()
}

// NewConvBlock creates a ConvBlock.
func NewConvBlock[B tensor.Backend](in, out int, opts ConvBlockOptions, src rand.Source, backend B) *ConvBlock[B] {
	return nn.NewConvBlock(in, out, opts, src, backend)
}

// Checkpoints

// CheckpointInfo describes a saved or loaded checkpoint.
type CheckpointInfo = nn.CheckpointInfo

// MissingKeyError reports a parameter with no entry in a state dict.
type MissingKeyError = nn.MissingKeyError

// Checkpoint errors.
var (
	ErrMissingCheckpointKey    = nn.ErrMissingCheckpointKey
	ErrUnexpectedCheckpointKey = nn.ErrUnexpectedCheckpointKey
)

// SaveCheckpoint writes model's state dict to path in the .born format.
func SaveCheckpoint(path string, model Stateful, modelType string, metadata map[string]string) (*CheckpointInfo, error) {
	return nn.SaveCheckpoint(path, model, modelType, metadata)
}

// LoadCheckpoint restores model's parameters from a .born file.
//
// Example:
//
//	net, _ := earlyexit.Build(earlyexit.Standard, backend, earlyexit.DefaultOptions())
//	info, err := nn.LoadCheckpoint("brn.born", backend.Device(), net)
func LoadCheckpoint(path string, device tensor.Device, model Stateful) (*CheckpointInfo, error) {
	return nn.LoadCheckpoint(path, device, model)
}
