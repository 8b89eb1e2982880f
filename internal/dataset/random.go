package dataset

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/born-ml/branchynet/internal/tensor"
)

// Random yields unlabeled standard-normal images. Sample i depends only on
// the seed and i.
type Random struct {
	n     int
	shape tensor.Shape
	seed  uint64
}

// NewRandom creates a source of n samples of per-sample shape [C, H, W].
func NewRandom(n int, shape tensor.Shape, seed uint64) *Random {
	return &Random{n: n, shape: shape.Clone(), seed: seed}
}

// Len returns the number of samples.
func (r *Random) Len() int { return r.n }

// Sample returns image i with shape [1, C, H, W] and label -1.
func (r *Random) Sample(i int) (Sample, error) {
	if i < 0 || i >= r.n {
		return Sample{}, errors.Errorf("sample %d out of range [0, %d)", i, r.n)
	}
	shape := append(tensor.Shape{1}, r.shape...)
	raw, err := tensor.NewRaw(shape, tensor.Float32, tensor.CPU)
	if err != nil {
		return Sample{}, err
	}
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(r.seed, uint64(i))}
	data := raw.AsFloat32()
	for j := range data {
		data[j] = float32(dist.Rand())
	}
	return Sample{Image: raw, Label: -1}, nil
}
