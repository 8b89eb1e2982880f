package tensor

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

// Zeros creates a tensor filled with zeros.
func Zeros[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	var dummy T
	return New[T, B](MustNewRaw(shape, inferDataType(dummy), b.Device()), b)
}

// Full creates a tensor filled with value.
func Full[T DType, B Backend](shape Shape, value T, b B) *Tensor[T, B] {
	t := Zeros[T](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = value
	}
	return t
}

// Ones creates a tensor filled with ones.
func Ones[T DType, B Backend](shape Shape, b B) *Tensor[T, B] {
	return Full[T](shape, T(1), b)
}

// Randn creates a tensor with values drawn from N(0, 1) using a PCG source
// seeded with seed, so equal seeds give equal tensors.
func Randn[T DType, B Backend](shape Shape, seed uint64, b B) *Tensor[T, B] {
	dist := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	t := Zeros[T](shape, b)
	data := t.Data()
	for i := range data {
		data[i] = T(dist.Rand())
	}
	return t
}
