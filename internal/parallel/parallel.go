// Package parallel provides the worker-pool launch primitives the cache
// and attention kernels are scheduled on.
//
// A kernel launch maps one goroutine-chunk to a range of "groups", where
// a group is one (sequence, head) or (sequence, head, partition) triple.
// Groups never block on each other inside a launch; phase ordering (e.g.
// the split-reduce combine pass) is expressed by launching the next phase
// only after the previous launch returned.
package parallel

import (
	"runtime"
	"sync"
)

// Config controls parallel execution behavior.
type Config struct {
	Enabled      bool // Whether parallel execution is enabled.
	NumWorkers   int  // Number of worker goroutines to use.
	MinChunkSize int  // Minimum groups per goroutine to avoid overhead.
}

// DefaultConfig returns sensible defaults based on CPU count.
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		Enabled:      n > 1,
		NumWorkers:   n,
		MinChunkSize: 8,
	}
}

// Sequential returns a config that forces in-order execution on the
// calling goroutine. Used by tests that need deterministic accumulation
// order.
func Sequential() Config {
	return Config{Enabled: false, NumWorkers: 1, MinChunkSize: 1}
}

// For executes f(i) for i in [0, n) with optional parallelism.
// Falls back to sequential execution if parallelism is disabled or n is
// too small. Returns only after every invocation of f has completed, so
// the return itself is the barrier between kernel phases.
func For(n int, f func(i int), cfg Config) {
	if !cfg.Enabled || n < cfg.MinChunkSize {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var wg sync.WaitGroup
	chunkSize := max((n+cfg.NumWorkers-1)/cfg.NumWorkers, cfg.MinChunkSize)

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

// ForGrid executes f(row, head) over a rows x heads launch grid.
func ForGrid(rows, heads int, f func(row, head int), cfg Config) {
	n := rows * heads
	For(n, func(k int) {
		f(k/heads, k%heads)
	}, cfg)
}

// ForGrid3 executes f(row, head, part) over a three-dimensional launch
// grid. Used by the split-reduce attention kernel, one group per
// (sequence, head, partition).
func ForGrid3(rows, heads, parts int, f func(row, head, part int), cfg Config) {
	n := rows * heads * parts
	For(n, func(k int) {
		f(k/(heads*parts), (k/parts)%heads, k%parts)
	}, cfg)
}
