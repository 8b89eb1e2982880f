package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubBackend satisfies Backend for tests that never compute.
type stubBackend struct{ Backend }

func (stubBackend) Device() Device { return CPU }

func TestFromSlice(t *testing.T) {
	x, err := FromSlice([]float32{1, 2, 3, 4, 5, 6}, Shape{2, 3}, stubBackend{})
	require.NoError(t, err)

	assert.Equal(t, Shape{2, 3}, x.Shape())
	assert.Equal(t, Float32, x.DType())
	assert.Equal(t, float32(6), x.At(1, 2))

	x.Set(42, 0, 1)
	assert.Equal(t, float32(42), x.Data()[1])

	_, err = FromSlice([]float32{1, 2}, Shape{3}, stubBackend{})
	assert.Error(t, err)
}

func TestRandn_Seeded(t *testing.T) {
	a := Randn[float32](Shape{4, 4}, 42, stubBackend{})
	b := Randn[float32](Shape{4, 4}, 42, stubBackend{})
	c := Randn[float32](Shape{4, 4}, 43, stubBackend{})

	assert.Equal(t, a.Data(), b.Data())
	assert.NotEqual(t, a.Data(), c.Data())
}

func TestRawTensor_CloneAndView(t *testing.T) {
	raw, err := FromFloat32([]float32{1, 2, 3, 4}, Shape{2, 2})
	require.NoError(t, err)

	clone := raw.Clone()
	clone.AsFloat32()[0] = 9
	assert.Equal(t, float32(1), raw.AsFloat32()[0])

	view, err := raw.View(Shape{4})
	require.NoError(t, err)
	view.AsFloat32()[3] = 7
	assert.Equal(t, float32(7), raw.AsFloat32()[3])

	_, err = raw.View(Shape{3})
	assert.Error(t, err)
}

func TestInferShape(t *testing.T) {
	assert.Equal(t, Shape{2, 6}, inferShape(12, []int{2, -1}))
	assert.Equal(t, Shape{1, 720}, inferShape(720, []int{1, 720}))
	assert.Panics(t, func() { inferShape(12, []int{-1, -1}) })
	assert.Panics(t, func() { inferShape(12, []int{5, -1}) })
}
