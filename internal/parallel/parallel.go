// Package parallel splits index ranges across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls how work is split.
type Config struct {
	Workers  int // Upper bound on goroutines. Values below 2 run inline.
	MinChunk int // Smallest range handed to one goroutine.
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{
		Workers:  runtime.NumCPU(),
		MinChunk: 64,
	}
}

// Ranges calls fn on contiguous sub-ranges [lo, hi) that together cover
// [0, n), and returns once all calls have finished. Ranges never overlap, so
// fn may write to disjoint parts of a shared slice without locking.
func Ranges(n int, cfg Config, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	chunk := max(cfg.MinChunk, 1)
	if cfg.Workers > 1 {
		chunk = max(chunk, (n+cfg.Workers-1)/cfg.Workers)
	}
	if cfg.Workers < 2 || chunk >= n {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(lo, hi)
		}()
	}
	wg.Wait()
}

// Each calls fn(i) for every i in [0, n) using Ranges.
func Each(n int, cfg Config, fn func(i int)) {
	Ranges(n, cfg, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			fn(i)
		}
	})
}
