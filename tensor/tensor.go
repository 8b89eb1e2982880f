// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor is the public tensor API used by branchynet networks.
//
//   - Tensor[T, B]: generic tensor bound to a compute backend
//   - RawTensor: untyped storage, also used for state dicts and ONNX values
//   - Backend: the operations a compute backend provides
//
// Example:
//
//	backend := cpu.New()
//	x := tensor.Randn[float32](tensor.Shape{1, 1, 28, 28}, 42, backend)
package tensor

import (
	"github.com/born-ml/branchynet/internal/tensor"
)

// DType is a constraint for tensor element types (float32, int64).
type DType = tensor.DType

// DataType represents the underlying data type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Int64   DataType = tensor.Int64
)

// Device represents the device where tensor data resides.
type Device = tensor.Device

// CPU is the host device.
const CPU Device = tensor.CPU

// Shape represents the dimensions of a tensor.
// Example: Shape{1, 1, 28, 28} is one single-channel 28x28 image.
type Shape = tensor.Shape

// Backend defines the operations a compute backend provides.
type Backend = tensor.Backend

// RawTensor is untyped tensor storage.
type RawTensor = tensor.RawTensor

// Tensor is a generic type-safe tensor.
type Tensor[T DType, B Backend] = tensor.Tensor[T, B]

// ShapeMismatchError reports a tensor with incompatible dimensions.
type ShapeMismatchError = tensor.ShapeMismatchError

// ErrShapeMismatch is matched (errors.Is) by every ShapeMismatchError.
var ErrShapeMismatch = tensor.ErrShapeMismatch

// New wraps raw storage in a typed tensor.
func New[T DType, B Backend](raw *RawTensor, b B) *Tensor[T, B] {
	return tensor.New[T](raw, b)
}

// FromSlice creates a tensor holding a copy of data.
func FromSlice[T DType, B Backend](data []T, shape Shape, b B) (*Tensor[T, B], error) {
	return tensor.FromSlice(data, shape, b)
}

// Zeros creates a tensor filled with zeros.
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return tensor.Zeros[T](shape, b)
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return tensor.Ones[T](shape, b)
}

// Randn creates a tensor with values drawn from N(0, 1), seeded.
func Randn[T DType, B Backend](shape Shape, seed uint64, b B) *Tensor[T, B] {
	return tensor.Randn[T](shape, seed, b)
}

// FromFloat32 creates a float32 RawTensor holding a copy of data.
func FromFloat32(data []float32, shape Shape) (*RawTensor, error) {
	return tensor.FromFloat32(data, shape)
}
