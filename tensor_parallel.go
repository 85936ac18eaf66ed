package vera

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// Row-parallel matrix multiplication for the large products: the full
// (out × r)·(r × in) delta of wide layers and the base forward pass of
// big host models.
//
// Each goroutine owns a contiguous band of output rows and runs the exact
// same i-k-j loop as the sequential kernel over it. No output element is
// touched by two workers and the per-element accumulation order does not
// change, so the result is bit-identical to matmulSingleThreaded.
//
// For small matrices the goroutine overhead dominates, so MatMul only
// takes this path above parallelThreshold multiply-adds.
//
// ===========================================================================

// parallelThreshold is the m·n·k volume above which MatMul goes parallel.
const parallelThreshold = 1 << 18

// MatMulParallel performs C = A × B with output rows split over numWorkers
// goroutines (0 = runtime.NumCPU()).
func MatMulParallel(a, b *Tensor, numWorkers int) *Tensor {
	m, k, n := matmulDims(a, b)
	out := Zeros(promote(a.dtype, b.dtype), m, n)
	out.device = a.device
	return matmulParallel(a, b, out, m, n, k, numWorkers)
}

func matmulParallel(a, b, out *Tensor, m, n, k, numWorkers int) *Tensor {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	// Threshold: if M < numWorkers*2, the bands are too thin to pay off.
	if numWorkers == 1 || m < numWorkers*2 {
		return matmulSingleThreaded(a, b, out, m, n, k)
	}

	rowsPerWorker := m / numWorkers
	remainder := m % numWorkers

	var g errgroup.Group
	for w := 0; w < numWorkers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		// Last worker takes remainder rows
		if w == numWorkers-1 {
			end += remainder
		}
		g.Go(func() error {
			matmulRows(a, b, out, n, k, start, end)
			return nil
		})
	}
	_ = g.Wait()

	roundInto(out)
	return out
}
