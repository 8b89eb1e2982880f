package cpu

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Softmax computes softmax along the specified dimension.
// Softmax(x_i) = exp(x_i - max) / sum(exp(x_j - max)) over the dimension.
func (cpu *CPUBackend) Softmax(x *tensor.RawTensor, dim int) *tensor.RawTensor {
	shape := x.Shape()
	ndim := len(shape)

	if dim < 0 {
		dim += ndim
	}
	if dim < 0 || dim >= ndim {
		exceptions.Panicf("softmax: dimension %d out of range for tensor of rank %d", dim, ndim)
	}
	if x.DType() != tensor.Float32 {
		exceptions.Panicf("softmax: unsupported dtype %s", x.DType())
	}

	result := tensor.MustNewRaw(shape, x.DType(), cpu.device)
	src, dst := x.AsFloat32(), result.AsFloat32()

	dimSize := shape[dim]
	inner := x.Strides()[dim]
	outer := x.NumElements() / (dimSize * inner)

	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*dimSize*inner + i

			maxVal := float32(math.Inf(-1))
			for d := 0; d < dimSize; d++ {
				maxVal = max(maxVal, src[base+d*inner])
			}

			var sum float64
			for d := 0; d < dimSize; d++ {
				e := math.Exp(float64(src[base+d*inner] - maxVal))
				dst[base+d*inner] = float32(e)
				sum += e
			}
			for d := 0; d < dimSize; d++ {
				dst[base+d*inner] = float32(float64(dst[base+d*inner]) / sum)
			}
		}
	}

	return result
}
