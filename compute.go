package main

import (
	"runtime"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// Row-parallel matrix multiplication. Each worker computes a contiguous
// block of output rows, so there is no shared mutable state beyond the
// disjoint output slices. Small matrices stay on the sequential path:
// below the threshold the goroutine overhead costs more than it saves.

// parallelThreshold is the minimum number of output elements before the
// parallel path is used.
const parallelThreshold = 64 * 64

// matMulWorkers is resolved once at startup. Physical core count is a
// better ceiling than logical cores for FP-heavy loops, which gain
// nothing from SMT siblings competing for the same execution units.
var matMulWorkers = func() int {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n < 1 {
		n = 1
	}
	return n
}()

// matMulDispatch picks the sequential or parallel implementation.
// Both produce bit-identical results (same per-row kernel, same
// accumulation order).
func matMulDispatch(a, b *Tensor) *Tensor {
	m, n := a.shape[0], b.shape[1]
	if matMulWorkers == 1 || m*n < parallelThreshold || m < matMulWorkers {
		return matMulSequential(a, b)
	}
	return matMulParallel(a, b, matMulWorkers)
}

// matMulParallel computes C = A @ B with output rows distributed across
// workers in contiguous blocks.
func matMulParallel(a, b *Tensor, workers int) *Tensor {
	m, k, n := a.shape[0], a.shape[1], b.shape[1]
	out := NewTensor(m, n)

	rowsPerWorker := (m + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		if start >= m {
			break
		}
		end := start + rowsPerWorker
		if end > m {
			end = m
		}

		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				matMulRow(a, b, out, i, k, n)
			}
		}(start, end)
	}
	wg.Wait()

	return out
}
