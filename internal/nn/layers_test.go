package nn

import (
	"math"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/backend/cpu"
	"github.com/born-ml/branchynet/internal/tensor"
)

func input(t *testing.T, backend *cpu.CPUBackend, shape tensor.Shape, data []float32) *tensor.Tensor[float32, *cpu.CPUBackend] {
	t.Helper()
	return must.M1(tensor.FromSlice(data, shape, backend))
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i + 1)
	}
	return out
}

func TestConv2D_Creation(t *testing.T) {
	backend := cpu.New()
	conv := NewConv2D(1, 5, 5, 1, 3, true, NewSource(1), backend)

	assert.Equal(t, 1, conv.InChannels())
	assert.Equal(t, 5, conv.OutChannels())
	assert.Equal(t, 5, conv.KernelSize())
	assert.Equal(t, tensor.Shape{5, 1, 5, 5}, conv.Weight().Tensor().Shape())
	assert.Equal(t, tensor.Shape{5}, conv.Bias().Tensor().Shape())
	assert.Len(t, conv.Parameters(), 2)

	noBias := NewConv2D(1, 5, 5, 1, 3, false, NewSource(1), backend)
	assert.Nil(t, noBias.Bias())
	assert.Len(t, noBias.Parameters(), 1)
	assert.Equal(t, conv.Weight().Tensor().Data(), noBias.Weight().Tensor().Data(), "same seed, same weights")
}

func TestConv2D_ForwardValues(t *testing.T) {
	backend := cpu.New()
	conv := NewConv2D(1, 1, 2, 1, 0, true, nil, backend)
	copy(conv.Weight().Tensor().Data(), []float32{1, 2, 3, 4})
	conv.Bias().Tensor().Data()[0] = 0.5

	out := conv.Forward(input(t, backend, tensor.Shape{1, 1, 3, 3}, seq(9)))

	// [0,0]: 1*1 + 2*2 + 4*3 + 5*4 = 37
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{37.5, 47.5, 67.5, 77.5}, out.Data())
}

func TestConv2D_ForwardShape(t *testing.T) {
	backend := cpu.New()
	conv := NewConv2D(1, 5, 5, 1, 3, true, nil, backend)
	out := conv.Forward(tensor.Zeros[float32](tensor.Shape{1, 1, 28, 28}, backend))
	assert.Equal(t, tensor.Shape{1, 5, 30, 30}, out.Shape())
}

func TestMaxPool2D_CeilMode(t *testing.T) {
	backend := cpu.New()
	x := input(t, backend, tensor.Shape{1, 1, 3, 3}, seq(9))

	ceil := NewMaxPool2D(2, 2, true, backend).Forward(x)
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, ceil.Shape())
	assert.Equal(t, []float32{5, 6, 8, 9}, ceil.Data())

	floor := NewMaxPool2D(2, 2, false, backend).Forward(x)
	assert.Equal(t, tensor.Shape{1, 1, 1, 1}, floor.Shape())
	assert.Equal(t, []float32{5}, floor.Data())
}

func TestReLUAndFlatten(t *testing.T) {
	backend := cpu.New()
	x := input(t, backend, tensor.Shape{1, 2, 1, 2}, []float32{-1, 2, 0, -3})

	relu := NewReLU[*cpu.CPUBackend]().Forward(x)
	assert.Equal(t, []float32{0, 2, 0, 0}, relu.Data())

	flat := NewFlatten[*cpu.CPUBackend]().Forward(x)
	assert.Equal(t, tensor.Shape{1, 4}, flat.Shape())
	assert.Equal(t, x.Data(), flat.Data())
}

func TestLinear_Forward(t *testing.T) {
	backend := cpu.New()
	x := input(t, backend, tensor.Shape{1, 2}, []float32{1, 1})

	l := NewLinear(2, 3, true, nil, backend)
	copy(l.Weight().Tensor().Data(), []float32{1, 2, 3, 4, 5, 6})
	copy(l.Bias().Tensor().Data(), []float32{0.5, 0.5, 0.5})
	assert.Equal(t, []float32{3.5, 7.5, 11.5}, l.Forward(x).Data())

	noBias := NewLinear(2, 3, false, nil, backend)
	copy(noBias.Weight().Tensor().Data(), []float32{1, 2, 3, 4, 5, 6})
	out := noBias.Forward(x)
	assert.Equal(t, tensor.Shape{1, 3}, out.Shape())
	assert.Equal(t, []float32{3, 7, 11}, out.Data())
	assert.Nil(t, noBias.Bias())
}

func TestShapeMismatchPanics(t *testing.T) {
	backend := cpu.New()

	tests := []struct {
		name string
		run  func()
	}{
		{"linear features", func() {
			NewLinear(3, 2, false, nil, backend).Forward(tensor.Zeros[float32](tensor.Shape{1, 4}, backend))
		}},
		{"linear rank", func() {
			NewLinear(3, 2, false, nil, backend).Forward(tensor.Zeros[float32](tensor.Shape{1, 1, 3}, backend))
		}},
		{"conv channels", func() {
			NewConv2D(2, 1, 3, 1, 1, true, nil, backend).Forward(tensor.Zeros[float32](tensor.Shape{1, 1, 4, 4}, backend))
		}},
		{"conv rank", func() {
			NewConv2D(1, 1, 3, 1, 1, true, nil, backend).Forward(tensor.Zeros[float32](tensor.Shape{1, 4, 4}, backend))
		}},
		{"maxpool rank", func() {
			NewMaxPool2D(2, 2, false, backend).Forward(tensor.Zeros[float32](tensor.Shape{4, 4}, backend))
		}},
		{"flatten rank", func() {
			NewFlatten[*cpu.CPUBackend]().Forward(tensor.Zeros[float32](tensor.Shape{4}, backend))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exceptions.TryCatch[error](tt.run)
			require.Error(t, err)
			assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
		})
	}
}

func TestInvalidConstructorArgumentsPanic(t *testing.T) {
	backend := cpu.New()
	assert.Panics(t, func() { NewConv2D(0, 1, 3, 1, 1, true, nil, backend) })
	assert.Panics(t, func() { NewConv2D(1, 1, 3, 0, 1, true, nil, backend) })
	assert.Panics(t, func() { NewConv2D(1, 1, 3, 1, -1, true, nil, backend) })
	assert.Panics(t, func() { NewMaxPool2D(0, 2, false, backend) })
	assert.Panics(t, func() { NewLinear(0, 2, false, nil, backend) })
}

func TestXavierBounds(t *testing.T) {
	backend := cpu.New()
	w := Xavier(84, 10, tensor.Shape{10, 84}, NewSource(7), backend)

	bound := float32(math.Sqrt(6.0 / 94.0))
	for _, v := range w.Data() {
		assert.LessOrEqual(t, v, bound)
		assert.GreaterOrEqual(t, v, -bound)
	}
	again := Xavier(84, 10, tensor.Shape{10, 84}, NewSource(7), backend)
	assert.Equal(t, w.Data(), again.Data())
}

func TestConvBlock(t *testing.T) {
	backend := cpu.New()
	opts := ConvBlockOptions{Kernel: 1, Stride: 1, Padding: 0, Bias: true}
	block := NewConvBlock(1, 1, opts, nil, backend)

	sd := block.StateDict()
	assert.Len(t, sd, 2)
	assert.Contains(t, sd, "layer.0.weight")
	assert.Contains(t, sd, "layer.0.bias")
	assert.Same(t, block.Conv().Weight().Tensor().Raw(), sd["layer.0.weight"])

	x := input(t, backend, tensor.Shape{1, 1, 4, 4}, seq(16))
	block.Conv().Weight().Tensor().Data()[0] = 1
	block.Conv().Bias().Tensor().Data()[0] = 0
	assert.Equal(t, []float32{6, 8, 14, 16}, block.Forward(x).Data())

	// Negative activations are clipped after pooling.
	block.Conv().Weight().Tensor().Data()[0] = -1
	assert.Equal(t, []float32{0, 0, 0, 0}, block.Forward(x).Data())
}
