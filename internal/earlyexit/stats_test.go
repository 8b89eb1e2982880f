package earlyexit

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/branchynet/internal/backend/cpu"
	"github.com/born-ml/branchynet/internal/dataset"
	"github.com/born-ml/branchynet/internal/parallel"
	"github.com/born-ml/branchynet/internal/tensor"
)

func TestExitStats(t *testing.T) {
	s := NewExitStats(2)
	_, ok := s.OverallAccuracy()
	assert.False(t, ok)
	assert.Zero(t, s.Fraction(0))

	s.Record(0, 3, 3)
	s.Record(0, 1, 2)
	s.Record(1, 7, 7)
	s.Record(1, 4, -1)

	assert.Equal(t, []int{2, 2}, s.Counts())
	assert.Equal(t, 4, s.Total())
	assert.InDelta(t, 0.5, s.Fraction(1), 1e-12)

	acc, ok := s.Accuracy(0)
	assert.True(t, ok)
	assert.InDelta(t, 0.5, acc, 1e-12)
	acc, ok = s.Accuracy(1)
	assert.True(t, ok)
	assert.InDelta(t, 1.0, acc, 1e-12)
	acc, ok = s.OverallAccuracy()
	assert.True(t, ok)
	assert.InDelta(t, 2.0/3, acc, 1e-12)
}

func TestExitStatsConcurrentRecord(t *testing.T) {
	s := NewExitStats(2)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				s.Record((i+j)%2, j, j)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []int{400, 400}, s.Counts())
}

func TestEvaluate(t *testing.T) {
	backend := cpu.New()
	net := must.M1(Build(Standard, backend, DefaultOptions()))
	net.SetFastInference(true)
	net.SetThreshold(0)

	var done atomic.Int32
	src := dataset.NewRandom(6, MNISTInputShape, 1)
	stats, err := Evaluate(net, backend, src, parallel.DefaultConfig(), func() { done.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, []int{6, 0}, stats.Counts())
	assert.Equal(t, int32(6), done.Load())
	_, ok := stats.OverallAccuracy()
	assert.False(t, ok)

	net.SetThreshold(1)
	stats, err = Evaluate(net, backend, src, parallel.Sequential(), nil)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 6}, stats.Counts())
}

func TestEvaluateReportsErrors(t *testing.T) {
	backend := cpu.New()
	net := must.M1(Build(FCN, backend, DefaultOptions()))
	src := dataset.NewRandom(3, tensor.Shape{3, 28, 28}, 1)

	_, err := Evaluate(net, backend, src, parallel.DefaultConfig(), nil)
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}
