package vera

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// RoPE (Rotary Position Embeddings) rotates query and key vectors by an
// angle proportional to their position instead of adding a learned
// position table. It has no parameters, so it never interacts with
// adapters; the projections feeding it are the ones VeRA adapts.
//
// PAPER: "RoFormer: Enhanced Transformer with Rotary Position Embedding"
//        https://arxiv.org/abs/2104.09864
//
// For position m and dimension pair (2i, 2i+1) within a head of size d:
//   θ_i = 10000^(-2i/d)
//   [x0', x1'] = [x0·cos(mθ_i) - x1·sin(mθ_i), x0·sin(mθ_i) + x1·cos(mθ_i)]
//
// ===========================================================================

const ropeBase = 10000.0

// RoPE applies rotary embeddings to x of shape (seqLen, numHeads*headDim),
// independently per head. headDim must be even.
func RoPE(x *Tensor, headDim, posOffset int) (*Tensor, error) {
	if x.Dims() != 2 {
		return nil, fmt.Errorf("%w: rope expects 2-D input, got %v", ErrShapeMismatch, x.shape)
	}
	seqLen, width := x.shape[0], x.shape[1]
	if headDim <= 0 || headDim%2 != 0 || width%headDim != 0 {
		return nil, fmt.Errorf("%w: rope head size %d does not divide width %d into even heads", ErrInvalidShape, headDim, width)
	}

	out := resultLike(x, x.dtype)
	heads := width / headDim
	for pos := 0; pos < seqLen; pos++ {
		angleBase := float64(posOffset + pos)
		for h := 0; h < heads; h++ {
			for i := 0; i < headDim/2; i++ {
				theta := 1.0 / math.Pow(ropeBase, float64(2*i)/float64(headDim))
				sin, cos := math.Sincos(angleBase * theta)

				j := pos*width + h*headDim + 2*i
				x0, x1 := x.data[j], x.data[j+1]
				out.data[j] = out.dtype.round(x0*cos - x1*sin)
				out.data[j+1] = out.dtype.round(x0*sin + x1*cos)
			}
		}
	}
	return out, nil
}
