package vera

import "fmt"

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// This file holds the matrix multiplication kernel every adapter computation
// funnels through: the low-rank projections in the forward pass and the
// rank-r outer product of the delta weight.
//
// Small products run on the calling goroutine. Large ones are split into
// row bands (tensor_parallel.go) that run the same loop, so both paths give
// bit-identical results and merge/unmerge stays reproducible.
//
// PRECISION:
// Products are accumulated in float64 and rounded once into the result
// dtype, which is the promotion of the operand dtypes. Callers that need a
// specific compute precision cast their operands first, as the float16 on
// CPU rule in DeltaWeight does.
//
// PERFORMANCE CHARACTERISTICS:
// The i-k-j loop order streams rows of B, which keeps the inner loop on
// contiguous memory. For the shapes VeRA touches (rank r ≪ features) the
// cost is dominated by the (out × r) · (r × in) delta product.
//
// ===========================================================================

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
func MatMul(a, b *Tensor) *Tensor {
	m, k, n := matmulDims(a, b)
	out := Zeros(promote(a.dtype, b.dtype), m, n)
	out.device = a.device
	if m*n*k >= parallelThreshold {
		return matmulParallel(a, b, out, m, n, k, 0)
	}
	return matmulSingleThreaded(a, b, out, m, n, k)
}

func matmulDims(a, b *Tensor) (m, k, n int) {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(fmt.Sprintf("tensor: MatMul requires 2D tensors, got %v and %v", a.shape, b.shape))
	}
	m, k1 := a.shape[0], a.shape[1]
	k2, n := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic(fmt.Sprintf("%v: incompatible dimensions for matmul %v @ %v", ErrShapeMismatch, a.shape, b.shape))
	}
	return m, k1, n
}

// matmulSingleThreaded accumulates into out.data in float64, then rounds.
func matmulSingleThreaded(a, b, out *Tensor, m, n, k int) *Tensor {
	matmulRows(a, b, out, n, k, 0, m)
	roundInto(out)
	return out
}

// matmulRows computes output rows [start, end).
func matmulRows(a, b, out *Tensor, n, k, start, end int) {
	for i := start; i < end; i++ {
		row := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			aik := a.data[i*k+kk]
			bRow := b.data[kk*n : (kk+1)*n]
			for j, bkj := range bRow {
				row[j] += aik * bkj
			}
		}
	}
}

func roundInto(out *Tensor) {
	if out.dtype == Float64 {
		return
	}
	for i, v := range out.data {
		out.data[i] = out.dtype.round(v)
	}
}

// MatMulTransB computes A @ B^T without materializing the transpose.
// A: (M, K), B: (N, K), result (M, N). This is F.linear without bias.
func MatMulTransB(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic(fmt.Sprintf("tensor: MatMulTransB requires 2D tensors, got %v and %v", a.shape, b.shape))
	}

	m, k1 := a.shape[0], a.shape[1]
	n, k2 := b.shape[0], b.shape[1]
	if k1 != k2 {
		panic(fmt.Sprintf("%v: incompatible dimensions for matmul %v @ %v^T", ErrShapeMismatch, a.shape, b.shape))
	}

	out := Zeros(promote(a.dtype, b.dtype), m, n)
	out.device = a.device
	for i := 0; i < m; i++ {
		aRow := a.data[i*k1 : (i+1)*k1]
		for j := 0; j < n; j++ {
			bRow := b.data[j*k1 : (j+1)*k1]
			sum := 0.0
			for kk, v := range aRow {
				sum += v * bRow[kk]
			}
			out.data[i*n+j] = out.dtype.round(sum)
		}
	}
	return out
}
