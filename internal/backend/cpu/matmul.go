package cpu

import (
	"github.com/gomlx/exceptions"
	"gonum.org/v1/gonum/mat"

	"github.com/born-ml/branchynet/internal/tensor"
)

// MatMul performs matrix multiplication.
// For 2D tensors: (M, K) @ (K, N) -> (M, N).
//
// The product is computed by gonum in float64 and rounded back to float32, so
// the result does not depend on the summation order of a hand-written loop.
func (cpu *CPUBackend) MatMul(a, b *tensor.RawTensor) *tensor.RawTensor {
	aShape := a.Shape()
	bShape := b.Shape()

	if len(aShape) != 2 || len(bShape) != 2 {
		tensor.PanicShape("matmul", aShape, "only 2D tensors supported, got %dD and %dD", len(aShape), len(bShape))
	}

	m, k := aShape[0], aShape[1]
	kAlt, n := bShape[0], bShape[1]
	if k != kAlt {
		tensor.PanicShape("matmul", aShape, "inner dimension %d does not match [%d,%d]", k, kAlt, n)
	}
	if a.DType() != tensor.Float32 || b.DType() != tensor.Float32 {
		exceptions.Panicf("matmul: unsupported dtypes %s, %s", a.DType(), b.DType())
	}

	result := tensor.MustNewRaw(tensor.Shape{m, n}, tensor.Float32, cpu.device)

	var prod mat.Dense
	prod.Mul(denseFromFloat32(a.AsFloat32(), m, k), denseFromFloat32(b.AsFloat32(), k, n))

	dst := result.AsFloat32()
	for i := 0; i < m; i++ {
		row := prod.RawRowView(i)
		for j, v := range row {
			dst[i*n+j] = float32(v)
		}
	}
	return result
}

func denseFromFloat32(data []float32, rows, cols int) *mat.Dense {
	buf := make([]float64, len(data))
	for i, v := range data {
		buf[i] = float64(v)
	}
	return mat.NewDense(rows, cols, buf)
}
