package cpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/tensor"
)

func rawFloat32(t *testing.T, shape tensor.Shape, data []float32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.FromFloat32(data, shape)
	require.NoError(t, err)
	return raw
}

// TestConv2D_BasicForward tests a 2x2 diagonal kernel on a 3x3 image.
func TestConv2D_BasicForward(t *testing.T) {
	backend := New()

	// 1 2 3
	// 4 5 6
	// 7 8 9
	input := rawFloat32(t, tensor.Shape{1, 1, 3, 3}, []float32{1, 2, 3, 4, 5, 6, 7, 8, 9})
	kernel := rawFloat32(t, tensor.Shape{1, 1, 2, 2}, []float32{1, 0, 0, 1})

	output := backend.Conv2D(input, kernel, 1, 0)

	if !output.Shape().Equal(tensor.Shape{1, 1, 2, 2}) {
		t.Fatalf("Expected shape [1 1 2 2], got %v", output.Shape())
	}

	// Diagonal sums: 1+5, 2+6, 4+8, 5+9.
	expected := []float32{6, 8, 12, 14}
	outputData := output.AsFloat32()
	for i, exp := range expected {
		if outputData[i] != exp {
			t.Errorf("Output[%d]: expected %.1f, got %.1f", i, exp, outputData[i])
		}
	}
}

func TestConv2D_Padding(t *testing.T) {
	backend := New()

	input := rawFloat32(t, tensor.Shape{1, 1, 2, 2}, []float32{1, 2, 3, 4})
	kernel := rawFloat32(t, tensor.Shape{1, 1, 3, 3}, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1})

	output := backend.Conv2D(input, kernel, 1, 1)

	// Every 3x3 window covers the whole 2x2 image.
	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, output.Shape())
	assert.Equal(t, []float32{10, 10, 10, 10}, output.AsFloat32())
}

func TestConv2D_MultiChannel(t *testing.T) {
	backend := New()

	// Two input channels, two output channels, 1x1 kernels.
	input := rawFloat32(t, tensor.Shape{1, 2, 1, 2}, []float32{1, 2, 10, 20})
	kernel := rawFloat32(t, tensor.Shape{2, 2, 1, 1}, []float32{
		1, 1, // out 0 = ch0 + ch1
		2, -1, // out 1 = 2*ch0 - ch1
	})

	output := backend.Conv2D(input, kernel, 1, 0)

	assert.Equal(t, tensor.Shape{1, 2, 1, 2}, output.Shape())
	assert.Equal(t, []float32{11, 22, -8, -16}, output.AsFloat32())
}

func TestConv2D_Stride(t *testing.T) {
	backend := New()

	data := make([]float32, 16)
	for i := range data {
		data[i] = float32(i)
	}
	input := rawFloat32(t, tensor.Shape{1, 1, 4, 4}, data)
	kernel := rawFloat32(t, tensor.Shape{1, 1, 1, 1}, []float32{1})

	output := backend.Conv2D(input, kernel, 2, 0)

	assert.Equal(t, tensor.Shape{1, 1, 2, 2}, output.Shape())
	assert.Equal(t, []float32{0, 2, 8, 10}, output.AsFloat32())
}

func TestConv2D_ChannelMismatchPanics(t *testing.T) {
	backend := New()

	input := rawFloat32(t, tensor.Shape{1, 2, 3, 3}, make([]float32, 18))
	kernel := rawFloat32(t, tensor.Shape{1, 1, 3, 3}, make([]float32, 9))

	defer func() {
		r := recover()
		require.NotNil(t, r)
		err, ok := r.(*tensor.ShapeMismatchError)
		require.True(t, ok, "expected *tensor.ShapeMismatchError, got %T", r)
		assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
		assert.Equal(t, "conv2d", err.Op)
	}()
	backend.Conv2D(input, kernel, 1, 0)
}

func TestConv2D_Deterministic(t *testing.T) {
	backend := New()

	x := tensor.Randn[float32](tensor.Shape{1, 3, 9, 9}, 7, backend)
	k := tensor.Randn[float32](tensor.Shape{8, 3, 3, 3}, 8, backend)

	a := backend.Conv2D(x.Raw(), k.Raw(), 1, 1)
	b := backend.Conv2D(x.Raw(), k.Raw(), 1, 1)

	assert.Equal(t, a.Data(), b.Data())
}
