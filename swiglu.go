package vera

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// SwiGLU is the gated feed-forward block of LLaMA-style models.
//
// PAPER: "GLU Variants Improve Transformer"
//        https://arxiv.org/abs/2002.05202
//
//   Swish(x)  = x * sigmoid(x)
//   MLP(x)    = down_proj(Swish(gate_proj(x)) ⊙ up_proj(x))
//
// The three projections are ordinary named children, so adapters can
// target "gate_proj", "up_proj" or "down_proj". gate_proj and up_proj
// share a shape; down_proj is the transpose shape and therefore conflicts
// with them under a single adapter.
//
// ===========================================================================

// Swish activation: x * sigmoid(x), also known as SiLU.
func Swish(x *Tensor) *Tensor {
	out := resultLike(x, x.dtype)
	for i, v := range x.data {
		out.data[i] = out.dtype.round(v / (1.0 + math.Exp(-v)))
	}
	return out
}

// SwiGLU is a gated MLP with children gate_proj, up_proj and down_proj.
type SwiGLU struct {
	*Container
}

// NewSwiGLU creates the block with bias-free projections.
func NewSwiGLU(embedDim, hiddenDim int, g *Generator) *SwiGLU {
	c := NewContainer().
		Add("gate_proj", NewLinear(embedDim, hiddenDim, false, g)).
		Add("up_proj", NewLinear(embedDim, hiddenDim, false, g)).
		Add("down_proj", NewLinear(hiddenDim, embedDim, false, g))
	return &SwiGLU{Container: c}
}

// Forward applies the gated feed-forward transformation.
// x shape: (seqLen, embedDim)
func (ff *SwiGLU) Forward(x *Tensor) (*Tensor, error) {
	gate, err := ff.Get("gate_proj").Forward(x)
	if err != nil {
		return nil, fmt.Errorf("gate_proj: %w", err)
	}
	value, err := ff.Get("up_proj").Forward(x)
	if err != nil {
		return nil, fmt.Errorf("up_proj: %w", err)
	}
	if !shapeEqual(gate.shape, value.shape) {
		return nil, fmt.Errorf("%w: gate %v vs up %v", ErrShapeMismatch, gate.shape, value.shape)
	}
	hidden := Mul(Swish(gate), value)
	out, err := ff.Get("down_proj").Forward(hidden)
	if err != nil {
		return nil, fmt.Errorf("down_proj: %w", err)
	}
	return out, nil
}
