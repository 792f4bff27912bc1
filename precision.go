package radnerf

import (
	"fmt"
	"math"
	"strings"
)

// ===========================================================================
// WHAT'S GOING ON HERE: Reduced Precision Evaluation
// ===========================================================================
//
// The decoder can evaluate its MLPs in half precision: every layer keeps a
// float64 master copy of its weights plus a float16 working copy, and every
// layer output is rounded through float16 before the next layer sees it.
// This mirrors what automatic mixed precision does on a GPU.
//
// THE ONE EXCEPTION:
//
// The ambient network's head feeds tanh, and tanh of a half-precision logit
// snaps to a handful of values near ±1. A coarse ambient coordinate means
// a coarse address into the ambient grid, so the deformation visibly
// degrades. The head is therefore always evaluated inside a scoped
// full-precision override (inFullPrecision) instead of threading a
// "but not here" flag through every layer call.
//
// NUMERICAL CONSIDERATIONS:
//
// Float16 range: ±65,504 (overflows easily!)
// Float16 precision: ~3-4 decimal digits
// Float16 minimum normal: 2^-14 ≈ 0.000061 (underflows easily!)
//
// Density logits go through TruncExp, which clamps at ±15, so even a
// half-precision logit can never produce an infinite density.
//
// ===========================================================================
// RECOMMENDED READING:
//
// - "Mixed Precision Training" by Micikevicius et al. (2018)
//   https://arxiv.org/abs/1710.03740
//
// - "What Every Computer Scientist Should Know About Floating-Point Arithmetic"
//   by Goldberg (1991)
//
// ===========================================================================

// Float16 represents a 16-bit IEEE 754 half-precision floating point number.
// Go doesn't have native float16, so we store it as uint16 with manual conversion.
//
// Format: 1 sign bit, 5 exponent bits, 10 mantissa bits
// Range: ±65,504 (overflows at 65,520)
// Smallest normal: 2^-14 ≈ 0.000061
type Float16 uint16

// Float32ToFloat16 converts a float32 to float16, rounding to nearest even.
// Overflow becomes ±Inf and values below the smallest normal flush to zero.
func Float32ToFloat16(f float32) Float16 {
	// Handle special cases
	if math.IsNaN(float64(f)) {
		return 0x7E00 // NaN
	}
	if math.IsInf(float64(f), 1) {
		return 0x7C00 // +Infinity
	}
	if math.IsInf(float64(f), -1) {
		return 0xFC00 // -Infinity
	}

	// Extract sign bit
	bits := math.Float32bits(f)
	sign := uint16((bits & 0x80000000) >> 16)
	bits &= 0x7FFFFFFF // Remove sign

	// Handle overflow
	if bits >= 0x47800000 { // >= 65536.0
		return Float16(sign | 0x7C00)
	}

	// Handle underflow: flush to zero
	if bits < 0x38800000 { // < 2^-14 (min normal float16)
		return Float16(sign)
	}

	// Float32: 1 sign, 8 exponent (bias 127), 23 mantissa
	// Float16: 1 sign, 5 exponent (bias 15), 10 mantissa
	exp := (bits >> 23) - 127 + 15
	mantissa := bits & 0x7FFFFF
	h := (exp << 10) | (mantissa >> 13)

	// Round to nearest, ties to even. A carry out of the mantissa bumps the
	// exponent, which is exactly the right result (up to +Inf).
	rem := mantissa & 0x1FFF
	if rem > 0x1000 || (rem == 0x1000 && h&1 == 1) {
		h++
	}
	if h >= 0x7C00 {
		return Float16(sign | 0x7C00)
	}

	return Float16(sign | uint16(h))
}

// Float16ToFloat32 converts a float16 to float32.
func Float16ToFloat32(h Float16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h&0x7C00) >> 10
	mantissa := uint32(h & 0x3FF)

	if exp == 0x1F { // Infinity or NaN
		if mantissa == 0 {
			return math.Float32frombits(sign | 0x7F800000)
		}
		return math.Float32frombits(sign | 0x7FC00000)
	}

	// Denormals are never produced by Float32ToFloat16; treat as zero.
	if exp == 0 {
		return math.Float32frombits(sign)
	}

	exp32 := (exp - 15 + 127) << 23
	mantissa32 := mantissa << 13

	return math.Float32frombits(sign | exp32 | mantissa32)
}

// roundHalf rounds v to the nearest representable float16 value.
func roundHalf(v float64) float64 {
	return float64(Float16ToFloat32(Float32ToFloat16(float32(v))))
}

// TensorFloat16 represents a tensor with data stored in float16.
// Layers keep one as the working copy of their weights.
type TensorFloat16 struct {
	data  []Float16
	shape []int
}

// NewTensorFloat16 creates a float16 tensor with the given shape.
func NewTensorFloat16(shape ...int) *TensorFloat16 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &TensorFloat16{
		data:  make([]Float16, size),
		shape: append([]int(nil), shape...),
	}
}

// FromTensor converts a master Tensor to float16.
// Called whenever master weights change (construction, checkpoint load).
func (t *TensorFloat16) FromTensor(src *Tensor) {
	if len(t.data) != len(src.data) {
		panic("tensor: float16 size mismatch")
	}
	for i, v := range src.data {
		t.data[i] = Float32ToFloat16(float32(v))
	}
}

// ToTensor widens the float16 values back to a float64 Tensor.
func (t *TensorFloat16) ToTensor() *Tensor {
	result := NewTensor(t.shape...)
	for i, h := range t.data {
		result.data[i] = float64(Float16ToFloat32(h))
	}
	return result
}

// Precision selects the numeric format layer evaluation runs in.
type Precision int

const (
	// FullPrecision evaluates with float64 master weights and activations.
	FullPrecision Precision = iota

	// HalfPrecision evaluates with float16 weights and rounds every layer
	// output through float16.
	HalfPrecision
)

// String implements fmt.Stringer.
func (p Precision) String() string {
	switch p {
	case FullPrecision:
		return "full"
	case HalfPrecision:
		return "half"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// ParsePrecision maps "full"/"fp32"/"fp64" and "half"/"fp16" to a Precision.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full", "fp32", "fp64", "float":
		return FullPrecision, nil
	case "half", "fp16", "amp":
		return HalfPrecision, nil
	default:
		return FullPrecision, fmt.Errorf("%w: unknown precision %q", ErrInvalidConfig, s)
	}
}

// round applies the precision to a freshly computed activation in place.
func (p Precision) round(t *Tensor) *Tensor {
	if p != HalfPrecision {
		return t
	}
	for i, v := range t.data {
		t.data[i] = roundHalf(v)
	}
	return t
}

// inFullPrecision evaluates fn in a scope where reduced precision is
// switched off, whatever precision the caller runs at.
func inFullPrecision(fn func(p Precision) *Tensor) *Tensor {
	return fn(FullPrecision)
}
