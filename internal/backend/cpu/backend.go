// Package cpu implements the tensor.Backend on the host CPU in pure Go.
package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/tensor"
)

// CPUBackend implements tensor operations on CPU.
//
// It holds no mutable state, so one instance can be shared by any number of
// networks and ONNX models.
type CPUBackend struct {
	device tensor.Device
}

// New creates a new CPU backend.
func New() *CPUBackend {
	return &CPUBackend{
		device: tensor.CPU,
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Reshape copies t into a tensor with a new shape of the same size.
func (cpu *CPUBackend) Reshape(t *tensor.RawTensor, newShape tensor.Shape) *tensor.RawTensor {
	if err := newShape.Validate(); err != nil {
		exceptions.Panicf("reshape: invalid shape: %v", err)
	}
	if t.NumElements() != newShape.NumElements() {
		tensor.PanicShape("reshape", t.Shape(), "cannot reshape to %v (different number of elements)", newShape)
	}

	result := tensor.MustNewRaw(newShape, t.DType(), t.Device())
	copy(result.Data(), t.Data())
	return result
}

// Transpose permutes the dimensions of t. With no axes the order is reversed.
func (cpu *CPUBackend) Transpose(t *tensor.RawTensor, axes ...int) *tensor.RawTensor {
	shape := t.Shape()
	ndim := len(shape)

	if len(axes) == 0 {
		axes = make([]int, ndim)
		for i := range axes {
			axes[i] = ndim - 1 - i
		}
	}
	if len(axes) != ndim {
		tensor.PanicShape("transpose", shape, "axes length %d != ndim %d", len(axes), ndim)
	}

	seen := make([]bool, ndim)
	for _, ax := range axes {
		if ax < 0 || ax >= ndim || seen[ax] {
			exceptions.Panicf("transpose: invalid permutation %v for %dD tensor", axes, ndim)
		}
		seen[ax] = true
	}

	newShape := make(tensor.Shape, ndim)
	for i, ax := range axes {
		newShape[i] = shape[ax]
	}
	result := tensor.MustNewRaw(newShape, t.DType(), t.Device())

	srcStrides := t.Strides()
	dstStrides := result.Strides()
	elemSize := t.DType().Size()
	src, dst := t.Data(), result.Data()

	// Walk destination indices in row-major order and gather from the source.
	coords := make([]int, ndim)
	for dstIdx := 0; dstIdx < result.NumElements(); dstIdx++ {
		rem := dstIdx
		srcIdx := 0
		for i := 0; i < ndim; i++ {
			coords[i] = rem / dstStrides[i]
			rem %= dstStrides[i]
			srcIdx += coords[i] * srcStrides[axes[i]]
		}
		copy(dst[dstIdx*elemSize:(dstIdx+1)*elemSize], src[srcIdx*elemSize:(srcIdx+1)*elemSize])
	}
	return result
}
