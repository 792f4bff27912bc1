package radnerf

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Every ray sample is evaluated independently: no sample's density or color
// depends on another sample in the same call. That makes the batch dimension
// embarrassingly parallel, so the decoder splits the N rows of a call into
// contiguous chunks and runs the whole per-sample pipeline on each chunk in
// its own goroutine.
//
// The only values shared between chunks are read-only: the learned
// parameters and the (already encoded) conditioning feature of the frame.
// Outputs are written to disjoint row ranges, so no locking is needed.
//
// DETERMINISM:
// Each output row is produced by exactly the same sequence of floating
// point operations whether it is computed alone, in a chunk, or in a
// single-threaded call. Parallel and sequential evaluation therefore agree
// bit for bit.
//
// PERFORMANCE CHARACTERISTICS:
//   - N < MinSizeForParallel: single goroutine (spawn overhead dominates)
//   - N large: near-linear until memory bandwidth saturates
//
// ===========================================================================

// ComputeConfig controls parallelization of batched evaluation.
//
// This allows switching between single-threaded (deterministic, easier
// debugging) and multi-threaded (faster) execution modes.
type ComputeConfig struct {
	// Parallel enables multi-threaded evaluation of batch rows.
	Parallel bool

	// NumWorkers specifies the number of worker goroutines to use.
	// If 0, defaults to runtime.NumCPU().
	// Only used when Parallel is true.
	NumWorkers int

	// MinSizeForParallel is the minimum number of rows before the batch
	// is split. Small batches don't benefit due to goroutine overhead.
	MinSizeForParallel int
}

// DefaultComputeConfig returns a sensible default configuration.
func DefaultComputeConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           true,
		NumWorkers:         0, // Use all available CPUs
		MinSizeForParallel: 256,
	}
}

// SingleThreadedConfig returns a configuration for single-threaded execution.
func SingleThreadedConfig() ComputeConfig {
	return ComputeConfig{
		Parallel:           false,
		NumWorkers:         1,
		MinSizeForParallel: 0,
	}
}

// numWorkers returns the actual number of workers to use.
func (c ComputeConfig) numWorkers() int {
	if !c.Parallel {
		return 1
	}
	if c.NumWorkers > 0 {
		return c.NumWorkers
	}
	return runtime.NumCPU()
}

// shouldParallelize determines if a batch of the given size is split.
func (c ComputeConfig) shouldParallelize(size int) bool {
	return c.Parallel && c.numWorkers() > 1 && size >= c.MinSizeForParallel
}

// parallelRows calls fn on contiguous row ranges [start, end) covering
// [0, n). Ranges are disjoint; fn must only write to its own rows.
// The first error returned by any chunk is returned.
func parallelRows(n int, cfg ComputeConfig, fn func(start, end int) error) error {
	if n <= 0 {
		return nil
	}
	if !cfg.shouldParallelize(n) {
		return fn(0, n)
	}

	numWorkers := cfg.numWorkers()
	rowsPerWorker := (n + numWorkers - 1) / numWorkers // Ceiling division

	var g errgroup.Group
	for start := 0; start < n; start += rowsPerWorker {
		end := start + rowsPerWorker
		if end > n {
			end = n
		}
		g.Go(func() error {
			return fn(start, end)
		})
	}
	return g.Wait()
}
