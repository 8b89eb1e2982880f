package cpu

import (
	"math"

	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/tensor"
)

// MaxPool2D performs 2D max pooling over square windows without padding.
//
// Input shape:  [batch, channels, height, width]
// Output shape: [batch, channels, out_height, out_width]
//
// With ceilMode false:
//
//	out = (size - kernelSize)/stride + 1
//
// With ceilMode true the division rounds up, so a partial window at the
// bottom/right edge produces an output. A window must still start inside the
// input; partial windows take the max over their in-bounds elements only.
//
// Example (2x2 pool, stride 2, ceilMode on a 3x3 input):
//
//	[[1,2,3],     [[5,6],
//	 [4,5,6],  →   [8,9]]
//	 [7,8,9]]
func (cpu *CPUBackend) MaxPool2D(input *tensor.RawTensor, kernelSize, stride int, ceilMode bool) *tensor.RawTensor {
	inputShape := input.Shape()
	if len(inputShape) != 4 {
		tensor.PanicShape("maxpool2d", inputShape, "expected 4D input [N,C,H,W], got %dD", len(inputShape))
	}
	if kernelSize <= 0 || stride <= 0 {
		exceptions.Panicf("maxpool2d: invalid kernel size %d or stride %d", kernelSize, stride)
	}

	N, C, H, W := inputShape[0], inputShape[1], inputShape[2], inputShape[3]
	if kernelSize > H || kernelSize > W {
		tensor.PanicShape("maxpool2d", inputShape, "kernel size %d too large for input %dx%d", kernelSize, H, W)
	}
	if input.DType() != tensor.Float32 {
		exceptions.Panicf("maxpool2d: unsupported dtype %s", input.DType())
	}

	HOut := PoolOutputSize(H, kernelSize, stride, ceilMode)
	WOut := PoolOutputSize(W, kernelSize, stride, ceilMode)

	output := tensor.MustNewRaw(tensor.Shape{N, C, HOut, WOut}, tensor.Float32, cpu.device)
	src, dst := input.AsFloat32(), output.AsFloat32()

	idx := 0
	for plane := 0; plane < N*C; plane++ {
		in := src[plane*H*W : (plane+1)*H*W]
		for oh := 0; oh < HOut; oh++ {
			hStart := oh * stride
			hEnd := min(hStart+kernelSize, H)
			for ow := 0; ow < WOut; ow++ {
				wStart := ow * stride
				wEnd := min(wStart+kernelSize, W)

				best := float32(math.Inf(-1))
				for h := hStart; h < hEnd; h++ {
					for w := wStart; w < wEnd; w++ {
						// NaN wins, as in PyTorch and ONNX MaxPool.
						if v := in[h*W+w]; v > best || v != v {
							best = v
						}
					}
				}
				dst[idx] = best
				idx++
			}
		}
	}

	return output
}

// PoolOutputSize returns the pooled extent of a dimension of the given size.
// The ceil-mode rule drops a last window that would start past the input.
func PoolOutputSize(size, kernelSize, stride int, ceilMode bool) int {
	span := size - kernelSize
	if !ceilMode {
		return span/stride + 1
	}
	out := (span+stride-1)/stride + 1
	if (out-1)*stride >= size {
		out--
	}
	return out
}
