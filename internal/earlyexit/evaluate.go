package earlyexit

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/born-ml/branchynet/internal/dataset"
	"github.com/born-ml/branchynet/internal/parallel"
	"github.com/born-ml/branchynet/internal/tensor"
)

// Evaluate runs every sample of src through net in its current mode and
// records which exit answered. Samples are evaluated concurrently according
// to cfg; onSample, if not nil, is called once per finished sample and must
// be safe for concurrent use.
//
// The first error stops recording; remaining samples are skipped.
func Evaluate[B tensor.Backend](net *Network[B], backend B, src dataset.Source, cfg parallel.Config, onSample func()) (*ExitStats, error) {
	stats := NewExitStats(net.NumExits())

	var mu sync.Mutex
	var firstErr error
	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return firstErr != nil
	}
	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	parallel.For(src.Len(), func(i int) {
		if failed() {
			return
		}
		sample, err := src.Sample(i)
		if err != nil {
			fail(err)
			return
		}
		out, err := net.Forward(tensor.New[float32](sample.Image, backend))
		if err != nil {
			fail(errors.Wrapf(err, "sample %d", i))
			return
		}
		predicted, err := Argmax(out.Final().Raw())
		if err != nil {
			fail(errors.Wrapf(err, "sample %d", i))
			return
		}
		stats.Record(out.Exit, predicted, sample.Label)
		if onSample != nil {
			onSample()
		}
	}, cfg)

	if firstErr != nil {
		return nil, firstErr
	}
	return stats, nil
}
