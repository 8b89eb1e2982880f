// Package parallel runs index loops across goroutines. It is used by the CPU
// convolution (one task per output channel) and by dataset evaluation (one task
// per sample).
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Upper bound on goroutines.
	MinChunkSize int  // Minimum items per goroutine.
}

// DefaultConfig returns defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 1,
	}
}

// Sequential returns a Config that runs every loop on the calling goroutine.
func Sequential() Config {
	return Config{}
}

// For executes f(i) for i in [0, n). Each index runs exactly once; the order
// across chunks is unspecified. For returns after every call has finished.
func For(n int, f func(i int), cfg Config) {
	workers := cfg.NumWorkers
	if !cfg.Enabled || workers <= 1 || n < 2*max(cfg.MinChunkSize, 1) {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	chunkSize := max((n+workers-1)/workers, cfg.MinChunkSize, 1)

	var wg sync.WaitGroup
	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			for i := s; i < e; i++ {
				f(i)
			}
		}(start, end)
	}
	wg.Wait()
}
