package earlyexit

import (
	"math"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/tensor"
)

func scores(t *testing.T, logits ...float32) *tensor.RawTensor {
	t.Helper()
	return must.M1(tensor.FromFloat32(logits, tensor.Shape{1, len(logits)}))
}

func TestSoftmax(t *testing.T) {
	p := Softmax([]float64{1, 2, 3})
	assert.InDelta(t, 1.0, p[0]+p[1]+p[2], 1e-12)
	assert.Less(t, p[0], p[1])
	assert.Less(t, p[1], p[2])

	// Large logits do not overflow.
	p = Softmax([]float64{1000, 1000})
	assert.InDeltaSlice(t, []float64{0.5, 0.5}, p, 1e-12)

	assert.Nil(t, Softmax(nil))
}

func TestEntropy(t *testing.T) {
	for _, c := range []int{2, 3, 10} {
		uniform := Softmax(make([]float64, c))
		assert.InDelta(t, math.Log(float64(c)), Entropy(uniform), 1e-12, "C=%d", c)
	}
	assert.InDelta(t, 0.0, Entropy([]float64{0, 1, 0}), 1e-15)
}

func TestTop1(t *testing.T) {
	assert.Equal(t, 1.0, Top1([]float64{0, 1, 0}))
	assert.InDelta(t, 0.1, Top1(Softmax(make([]float64, 10))), 1e-12)
	assert.Equal(t, 0.0, Top1(nil))
}

func TestEntropyPolicy(t *testing.T) {
	uniform := scores(t, 0, 0, 0, 0)
	h := Entropy(Softmax([]float64{0, 0, 0, 0}))

	tests := []struct {
		name   string
		limit  float64
		scores *tensor.RawTensor
		want   bool
	}{
		{"uniform above limit", 1.0, uniform, false},
		{"uniform at limit", h, uniform, false},
		{"uniform below limit", h + 1e-9, uniform, true},
		{"confident", 0.01, scores(t, 50, 0, 0, 0), true},
		{"tiny limit", 1e-7, scores(t, 1, 0.5, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EntropyPolicy{Limit: tt.limit}.ShouldExit(tt.scores)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTop1Policy(t *testing.T) {
	oneHot := scores(t, 100, 0, 0)

	tests := []struct {
		name   string
		limit  float64
		scores *tensor.RawTensor
		want   bool
	}{
		{"one-hot below 1", 0.99, oneHot, true},
		{"one-hot at 1", 1.0, oneHot, false},
		{"uniform", 0.5, scores(t, 1, 1, 1), false},
		{"zero threshold", 0, scores(t, 1, 1, 1), true},
		{"uniform at limit", 0.5, scores(t, 2, 2), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Top1Policy{Limit: tt.limit}.ShouldExit(tt.scores)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPolicyRejectsBatches(t *testing.T) {
	batch := must.M1(tensor.FromFloat32([]float32{1, 2, 3, 4}, tensor.Shape{2, 2}))
	for _, p := range []Policy{Top1Policy{Limit: 0.5}, EntropyPolicy{Limit: 0.5}} {
		_, err := p.ShouldExit(batch)
		assert.True(t, errors.Is(err, ErrBatchSizeViolation), "%s: %v", p.Name(), err)
	}

	cube := must.M1(tensor.FromFloat32([]float32{1, 2}, tensor.Shape{1, 1, 2}))
	_, err := Top1Policy{}.ShouldExit(cube)
	assert.True(t, errors.Is(err, tensor.ErrShapeMismatch))
}

func TestPolicyByName(t *testing.T) {
	p, err := PolicyByName("", 0.3)
	require.NoError(t, err)
	assert.Equal(t, Top1Policy{Limit: 0.3}, p)

	p, err = PolicyByName(CriterionEntropy, 0.1)
	require.NoError(t, err)
	assert.Equal(t, EntropyPolicy{Limit: 0.1}, p)
	assert.Equal(t, EntropyPolicy{Limit: 0.2}, p.WithThreshold(0.2))

	_, err = PolicyByName("margin", 0.1)
	assert.True(t, errors.Is(err, ErrUnknownCriterion))
}

func TestArgmax(t *testing.T) {
	idx, err := Argmax(scores(t, 0.1, 3, -2, 2.9))
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}
