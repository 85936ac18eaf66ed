package vera

import (
	"fmt"
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE
// ===========================================================================
//
// RMSNorm (Root Mean Square Layer Normalization) is the normalization used
// by LLaMA-style host models. It only rescales; there is no mean removal
// and no bias.
//
// PAPER: "Root Mean Square Layer Normalization"
//        https://arxiv.org/abs/1910.07467
//
// MATHEMATICS:
//
//   y = γ * x / RMS(x)
//   where RMS(x) = sqrt(mean(x²) + eps)
//
// Like LayerNorm it is not LinearLike, so targeting it with an adapter is
// reported as an unsupported module.
//
// ===========================================================================

// RMSNorm implements root mean square layer normalization.
type RMSNorm struct {
	eps   float64
	gamma *Tensor // Scale parameter (no beta unlike LayerNorm)
}

// NewRMSNorm creates an RMSNorm layer with γ=1.
func NewRMSNorm(dim int) *RMSNorm {
	return &RMSNorm{
		eps:   1e-5,
		gamma: Full(1, dim),
	}
}

// Forward normalizes each row of x by its RMS.
func (rms *RMSNorm) Forward(x *Tensor) (*Tensor, error) {
	if x.Dims() != 2 || x.shape[1] != rms.gamma.Size() {
		return nil, fmt.Errorf("%w: rmsnorm expects (batch, %d), got %v", ErrShapeMismatch, rms.gamma.Size(), x.shape)
	}

	rows, features := x.shape[0], x.shape[1]
	out := resultLike(x, x.dtype)

	for i := 0; i < rows; i++ {
		row := x.data[i*features : (i+1)*features]

		sumSquares := 0.0
		for _, v := range row {
			sumSquares += v * v
		}
		rmsValue := math.Sqrt(sumSquares/float64(features) + rms.eps)

		for j, v := range row {
			out.data[i*features+j] = out.dtype.round(v / rmsValue * rms.gamma.data[j])
		}
	}

	return out, nil
}

func (rms *RMSNorm) Weight() *Tensor { return rms.gamma }

func (rms *RMSNorm) Parameters() []Parameter {
	return []Parameter{{Name: "weight", Tensor: rms.gamma}}
}
