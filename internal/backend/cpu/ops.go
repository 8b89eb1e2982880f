package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Add performs element-wise addition with NumPy-style broadcasting.
func (cpu *CPUBackend) Add(a, b *tensor.RawTensor) *tensor.RawTensor {
	if a.DType() != b.DType() {
		exceptions.Panicf("add: dtype mismatch %s vs %s", a.DType(), b.DType())
	}
	outShape, needsBroadcast, err := tensor.BroadcastShapes(a.Shape(), b.Shape())
	if err != nil {
		tensor.PanicShape("add", b.Shape(), "%v", err)
	}

	result := tensor.MustNewRaw(outShape, a.DType(), cpu.device)

	switch a.DType() {
	case tensor.Float32:
		if !needsBroadcast {
			addFloat32(result.AsFloat32(), a.AsFloat32(), b.AsFloat32())
			break
		}
		addBroadcastFloat32(result, a, b, outShape)
	case tensor.Int64:
		dst, x, y := result.AsInt64(), a.AsInt64(), b.AsInt64()
		aStrides := broadcastStrides(a.Shape(), outShape)
		bStrides := broadcastStrides(b.Shape(), outShape)
		outStrides := outShape.ComputeStrides()
		for i := range dst {
			dst[i] = x[flatIndex(i, outStrides, aStrides)] + y[flatIndex(i, outStrides, bStrides)]
		}
	default:
		exceptions.Panicf("add: unsupported dtype %s", a.DType())
	}

	return result
}

func addFloat32(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

func addBroadcastFloat32(result, a, b *tensor.RawTensor, outShape tensor.Shape) {
	dst, x, y := result.AsFloat32(), a.AsFloat32(), b.AsFloat32()
	aStrides := broadcastStrides(a.Shape(), outShape)
	bStrides := broadcastStrides(b.Shape(), outShape)
	outStrides := outShape.ComputeStrides()
	for i := range dst {
		dst[i] = x[flatIndex(i, outStrides, aStrides)] + y[flatIndex(i, outStrides, bStrides)]
	}
}

// ReLU applies max(0, x) element-wise.
func (cpu *CPUBackend) ReLU(x *tensor.RawTensor) *tensor.RawTensor {
	if x.DType() != tensor.Float32 {
		exceptions.Panicf("relu: unsupported dtype %s", x.DType())
	}
	result := tensor.MustNewRaw(x.Shape(), x.DType(), cpu.device)
	src, dst := x.AsFloat32(), result.AsFloat32()
	for i, v := range src {
		if v > 0 {
			dst[i] = v
		}
	}
	return result
}

// broadcastStrides returns strides for reading inShape as outShape.
// Broadcast and padded dimensions get stride 0.
func broadcastStrides(inShape, outShape tensor.Shape) []int {
	outDim := len(outShape)
	strides := make([]int, outDim)
	offset := outDim - len(inShape)
	orig := inShape.ComputeStrides()

	for i := 0; i < outDim; i++ {
		inIdx := i - offset
		if inIdx < 0 || inShape[inIdx] == 1 {
			continue
		}
		strides[i] = orig[inIdx]
	}
	return strides
}

// flatIndex maps a flat output index to a flat input index.
func flatIndex(outIdx int, outStrides, inStrides []int) int {
	flat := 0
	for i := range outStrides {
		coord := outIdx / outStrides[i]
		outIdx %= outStrides[i]
		flat += coord * inStrides[i]
	}
	return flat
}
