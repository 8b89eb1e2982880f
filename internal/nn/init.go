package nn

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/born-ml/branchynet/internal/tensor"
)

// NewSource returns a PCG source for seeded initialization.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x853c49e6748fea9b)
}

// Xavier (Glorot) initialization for weights.
//
// Values are drawn from U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out))).
// A nil src draws from an unseeded source.
func Xavier[B tensor.Backend](fanIn, fanOut int, shape tensor.Shape, src rand.Source, backend B) *tensor.Tensor[float32, B] {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}

	t := tensor.Zeros[float32](shape, backend)
	data := t.Data()
	for i := range data {
		data[i] = float32(dist.Rand())
	}
	return t
}

// Zeros creates a zero-filled tensor, used for bias initialization.
func Zeros[B tensor.Backend](shape tensor.Shape, backend B) *tensor.Tensor[float32, B] {
	return tensor.Zeros[float32](shape, backend)
}
