package vera

import (
	"math"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Half precision storage
// ===========================================================================
//
// Host models are frequently loaded in float16 to halve their memory. VeRA
// has to respect that: the trainable vectors adopt the base weight's dtype,
// merged corrections are rounded into float16 weight storage, and the delta
// weight computation upcasts to float32 on CPU (where half precision matmul
// is not available in common backends) before casting back.
//
// NUMERICAL CONSIDERATIONS:
//
// Float16 range: ±65,504 (overflows easily!)
// Float16 precision: ~3-4 decimal digits
// Float16 minimum normal: 2^-14 ≈ 0.000061
// Float16 minimum subnormal: 2^-24 ≈ 0.0000000596
//
// A merge followed by an unmerge in float16 is therefore only reversible up
// to one half-precision ulp per element, never bit-exactly.
//
// ===========================================================================

// Half represents a 16-bit IEEE 754 half-precision floating point number.
// Go doesn't have native float16, so we store it as uint16 with manual conversion.
//
// Format: 1 sign bit, 5 exponent bits, 10 mantissa bits
type Half uint16

// Float32ToFloat16 converts a float32 to float16, rounding to nearest even.
// Values beyond the half range become ±Inf; values below the smallest
// subnormal become signed zero.
func Float32ToFloat16(f float32) Half {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int((bits >> 23) & 0xFF)
	mantissa := bits & 0x7FFFFF

	// Infinity or NaN
	if exp == 0xFF {
		if mantissa != 0 {
			return Half(sign | 0x7E00)
		}
		return Half(sign | 0x7C00)
	}

	// Rebias exponent: float32 bias 127, float16 bias 15
	e := exp - 127 + 15

	if e >= 0x1F {
		return Half(sign | 0x7C00)
	}

	if e <= 0 {
		// Subnormal half (or zero)
		if e < -10 {
			return Half(sign)
		}
		mantissa |= 0x800000 // implicit leading bit
		shift := uint(14 - e)
		half := mantissa >> shift
		rem := mantissa & ((1 << shift) - 1)
		halfway := uint32(1) << (shift - 1)
		if rem > halfway || (rem == halfway && half&1 == 1) {
			half++
		}
		return Half(sign | uint16(half))
	}

	half := uint32(e)<<10 | mantissa>>13
	rem := mantissa & 0x1FFF
	// A carry out of the mantissa bumps the exponent, which is exactly
	// the right result (and yields Inf at the top of the range).
	if rem > 0x1000 || (rem == 0x1000 && half&1 == 1) {
		half++
	}
	return Half(sign | uint16(half))
}

// Float16ToFloat32 converts a float16 to float32 exactly.
func Float16ToFloat32(h Half) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mantissa := uint32(h & 0x3FF)

	switch exp {
	case 0x1F: // Infinity or NaN
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000 | mantissa<<13)
	case 0:
		if mantissa == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: normalize into a float32 normal
		e := uint32(127 - 15 + 1)
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			e--
		}
		mantissa &= 0x3FF
		return math.Float32frombits(sign | e<<23 | mantissa<<13)
	}

	return math.Float32frombits(sign | (exp-15+127)<<23 | mantissa<<13)
}

// Float16Bits returns the half-precision encoding of every element of t.
// Used by checkpoints and by tests that want bit-level comparisons.
func Float16Bits(t *Tensor) []Half {
	out := make([]Half, len(t.data))
	for i, v := range t.data {
		out[i] = Float32ToFloat16(float32(v))
	}
	return out
}
