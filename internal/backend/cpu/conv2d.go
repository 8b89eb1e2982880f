package cpu

import (
	"github.com/gomlx/exceptions"

	"github.com/born-ml/branchynet/internal/parallel"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Conv2D performs 2D convolution using the im2col algorithm.
//
// Input shape:  [batch, in_channels, height, width]
// Kernel shape: [out_channels, in_channels, kernel_h, kernel_w]
// Output shape: [batch, out_channels, out_h, out_w]
//
// where out_h = (height + 2*padding - kernel_h)/stride + 1 (same for width).
// Padding is symmetric and zero-filled.
//
// Output channels are computed in parallel; each one sums in a fixed order, so
// the result is bit-identical across runs.
func (cpu *CPUBackend) Conv2D(input, kernel *tensor.RawTensor, stride, padding int) *tensor.RawTensor {
	inputShape := input.Shape()
	kernelShape := kernel.Shape()

	if len(inputShape) != 4 {
		tensor.PanicShape("conv2d", inputShape, "input must be 4D [N,C,H,W], got %dD", len(inputShape))
	}
	if len(kernelShape) != 4 {
		tensor.PanicShape("conv2d", kernelShape, "kernel must be 4D [C_out,C_in,K_h,K_w], got %dD", len(kernelShape))
	}
	if stride <= 0 || padding < 0 {
		exceptions.Panicf("conv2d: invalid stride %d or padding %d", stride, padding)
	}

	N := inputShape[0]
	CIn := inputShape[1]
	H := inputShape[2]
	W := inputShape[3]
	COut := kernelShape[0]
	KH := kernelShape[2]
	KW := kernelShape[3]

	if CIn != kernelShape[1] {
		tensor.PanicShape("conv2d", inputShape, "input channels %d != kernel channels %d", CIn, kernelShape[1])
	}

	HOut := (H+2*padding-KH)/stride + 1
	WOut := (W+2*padding-KW)/stride + 1
	if H+2*padding < KH || W+2*padding < KW || HOut <= 0 || WOut <= 0 {
		tensor.PanicShape("conv2d", inputShape, "kernel %dx%d does not fit (padding %d)", KH, KW, padding)
	}
	if input.DType() != tensor.Float32 || kernel.DType() != tensor.Float32 {
		exceptions.Panicf("conv2d: unsupported dtype %s", input.DType())
	}

	output := tensor.MustNewRaw(tensor.Shape{N, COut, HOut, WOut}, tensor.Float32, cpu.device)

	g := convGeometry{
		n: N, cIn: CIn, h: H, w: W,
		cOut: COut, kh: KH, kw: KW,
		hOut: HOut, wOut: WOut,
		stride: stride, padding: padding,
	}
	conv2dFloat32(output.AsFloat32(), input.AsFloat32(), kernel.AsFloat32(), g)
	return output
}

type convGeometry struct {
	n, cIn, h, w    int
	cOut, kh, kw    int
	hOut, wOut      int
	stride, padding int
}

// conv2dFloat32 lowers the input with im2col and multiplies every kernel row
// against every patch row.
//
//	colBuf: [N * H_out * W_out, C_in * K_h * K_w]
//	kernel: [C_out, C_in * K_h * K_w]
func conv2dFloat32(out, in, kernel []float32, g convGeometry) {
	colWidth := g.cIn * g.kh * g.kw
	spatial := g.hOut * g.wOut
	colBuf := make([]float32, g.n*spatial*colWidth)
	im2colFloat32(colBuf, in, g)

	parallel.For(g.cOut, func(c int) {
		weights := kernel[c*colWidth : (c+1)*colWidth]
		for n := 0; n < g.n; n++ {
			dst := out[(n*g.cOut+c)*spatial : (n*g.cOut+c+1)*spatial]
			for p := 0; p < spatial; p++ {
				patch := colBuf[(n*spatial+p)*colWidth : (n*spatial+p+1)*colWidth]
				var sum float32
				for k, wv := range weights {
					sum += wv * patch[k]
				}
				dst[p] = sum
			}
		}
	}, parallel.Config{Enabled: g.cOut > 1, NumWorkers: g.cOut, MinChunkSize: 1})
}

// im2colFloat32 writes one row per output position holding the (zero padded)
// input patch under the kernel.
func im2colFloat32(colBuf, in []float32, g convGeometry) {
	idx := 0
	for n := 0; n < g.n; n++ {
		for oh := 0; oh < g.hOut; oh++ {
			for ow := 0; ow < g.wOut; ow++ {
				hStart := oh*g.stride - g.padding
				wStart := ow*g.stride - g.padding
				for c := 0; c < g.cIn; c++ {
					plane := in[(n*g.cIn+c)*g.h*g.w:]
					for kh := 0; kh < g.kh; kh++ {
						h := hStart + kh
						for kw := 0; kw < g.kw; kw++ {
							w := wStart + kw
							if h >= 0 && h < g.h && w >= 0 && w < g.w {
								colBuf[idx] = plane[h*g.w+w]
							} else {
								colBuf[idx] = 0
							}
							idx++
						}
					}
				}
			}
		}
	}
}
