package radnerf

import (
	"fmt"
	"math"
	"math/rand"
)

// RECOMMENDED READING:
//
// Deep Learning Foundations:
// - "Deep Learning" by Goodfellow, Bengio, Courville (2016)
//   Chapter 2: Linear Algebra - tensor operations
//   Chapter 6: Deep Feedforward Networks
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in row-major (C-contiguous) order.
//
// Every stage of the decoder works on 2D tensors shaped (rows, features)
// where a row is one ray sample, one frame or one history entry.
//
// A Tensor is not safe for concurrent mutation. Tensors handed to the
// decoder are only read, so one tensor may be shared by concurrent calls.
type Tensor struct {
	data  []float64 // Flat array storing all elements
	shape []int     // Dimensions [rows, features, ...]
}

// NewTensor creates a tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors here are programmer bugs, not runtime conditions that
// should be handled gracefully.
func NewTensor(shape ...int) *Tensor {
	if len(shape) == 0 {
		panic("tensor: shape cannot be empty")
	}

	size := 1
	for i, dim := range shape {
		if dim <= 0 {
			panic(fmt.Sprintf("tensor: shape[%d] must be positive, got %d", i, dim))
		}
		size *= dim
	}

	// Copy shape slice to prevent external mutation
	shapeCopy := make([]int, len(shape))
	copy(shapeCopy, shape)

	return &Tensor{
		data:  make([]float64, size),
		shape: shapeCopy,
	}
}

// NewTensorRand creates a tensor with values drawn from N(0, std²).
// Uses the Box-Muller transform, pulling uniforms from rng so that a
// seeded generator always yields the same parameters.
func NewTensorRand(rng *rand.Rand, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)

	// Generate pairs of independent standard normal variables
	for i := 0; i < len(t.data); i += 2 {
		u1 := rng.Float64()
		for u1 == 0 {
			u1 = rng.Float64()
		}
		u2 := rng.Float64()
		mag := std * math.Sqrt(-2*math.Log(u1))

		t.data[i] = mag * math.Cos(2*math.Pi*u2)
		if i+1 < len(t.data) {
			t.data[i+1] = mag * math.Sin(2*math.Pi*u2)
		}
	}

	return t
}

// NewTensorUniform creates a tensor with values drawn uniformly from [lo, hi).
func NewTensorUniform(rng *rand.Rand, lo, hi float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	for i := range t.data {
		t.data[i] = lo + (hi-lo)*rng.Float64()
	}
	return t
}

// FromRows builds a 2D tensor from equally sized rows.
// Panics on ragged input.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 || len(rows[0]) == 0 {
		panic("tensor: FromRows needs at least one non-empty row")
	}
	cols := len(rows[0])
	t := NewTensor(len(rows), cols)
	for i, r := range rows {
		if len(r) != cols {
			panic(fmt.Sprintf("tensor: row %d has %d columns, want %d", i, len(r), cols))
		}
		copy(t.data[i*cols:(i+1)*cols], r)
	}
	return t
}

// FromSlice wraps data in a tensor of the given shape. The slice is copied.
func FromSlice(data []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values cannot fill shape %v", len(data), shape))
	}
	copy(t.data, data)
	return t
}

// Shape returns a copy of the tensor's shape.
// The returned slice can be safely modified without affecting the tensor.
func (t *Tensor) Shape() []int {
	shape := make([]int, len(t.shape))
	copy(shape, t.shape)
	return shape
}

// Dims returns the number of dimensions (rank) of the tensor.
func (t *Tensor) Dims() int {
	return len(t.shape)
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return len(t.data)
}

// Rows returns the leading dimension.
func (t *Tensor) Rows() int {
	return t.shape[0]
}

// Cols returns the trailing dimension of a 2D tensor.
func (t *Tensor) Cols() int {
	return t.shape[len(t.shape)-1]
}

// Data returns a copy of the flat row-major values.
func (t *Tensor) Data() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	idx := t.flatIndex(indices)
	return t.data[idx]
}

// Set sets the element at the given indices.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	idx := t.flatIndex(indices)
	t.data[idx] = value
}

// flatIndex converts multi-dimensional indices to a flat index.
// Panics on invalid indices.
func (t *Tensor) flatIndex(indices []int) int {
	if len(indices) != len(t.shape) {
		panic(fmt.Sprintf("tensor: expected %d indices, got %d", len(t.shape), len(indices)))
	}

	idx := 0
	stride := 1

	// Compute flat index in row-major order
	for i := len(indices) - 1; i >= 0; i-- {
		if indices[i] < 0 || indices[i] >= t.shape[i] {
			panic(fmt.Sprintf("tensor: index[%d]=%d out of bounds [0,%d)", i, indices[i], t.shape[i]))
		}
		idx += indices[i] * stride
		stride *= t.shape[i]
	}

	return idx
}

// Row returns a view of row i of a 2D tensor. The view shares storage.
func (t *Tensor) Row(i int) []float64 {
	cols := t.Cols()
	return t.data[i*cols : (i+1)*cols]
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := NewTensor(t.shape...)
	copy(clone.data, t.data)
	return clone
}

// Reshape returns a new view of the tensor with a different shape.
// The total number of elements must remain the same.
// The returned tensor shares the underlying data.
func (t *Tensor) Reshape(newShape ...int) *Tensor {
	newSize := 1
	for _, dim := range newShape {
		newSize *= dim
	}

	if newSize != len(t.data) {
		panic(fmt.Sprintf("tensor: cannot reshape size %d to %v (size %d)", len(t.data), newShape, newSize))
	}

	shapeCopy := make([]int, len(newShape))
	copy(shapeCopy, newShape)

	return &Tensor{
		data:  t.data, // Share underlying data
		shape: shapeCopy,
	}
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, size=%d)", t.shape, len(t.data))
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("tensor: cannot add shapes %v and %v", a.shape, b.shape))
	}

	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] + b.data[i]
	}

	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := NewTensor(a.shape...)
	for i := range out.data {
		out.data[i] = a.data[i] * scalar
	}
	return out
}

// MatMul performs matrix multiplication: C = A @ B.
// A must be (M, K), B must be (K, N), result is (M, N).
//
// The i-k-j loop order walks both B and C row-wise, which keeps the
// inner loop on contiguous memory. Each output element accumulates its
// terms in the same order regardless of how rows are split across
// workers, so batched evaluation stays bit-identical.
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) != 2 || len(b.shape) != 2 {
		panic("tensor: MatMul requires 2D tensors")
	}

	m, k := a.shape[0], a.shape[1]
	if b.shape[0] != k {
		panic(fmt.Sprintf("tensor: incompatible dimensions for matmul %v @ %v", a.shape, b.shape))
	}
	n := b.shape[1]

	out := NewTensor(m, n)
	for i := 0; i < m; i++ {
		rowOut := out.data[i*n : (i+1)*n]
		for kk := 0; kk < k; kk++ {
			av := a.data[i*k+kk]
			if av == 0 {
				continue
			}
			rowB := b.data[kk*n : (kk+1)*n]
			for j, bv := range rowB {
				rowOut[j] += av * bv
			}
		}
	}

	return out
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	if len(a.shape) != 2 {
		panic("tensor: Transpose requires 2D tensor")
	}

	m, n := a.shape[0], a.shape[1]
	out := NewTensor(n, m)

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}

	return out
}

// ConcatCols joins 2D tensors with equal row counts side by side.
func ConcatCols(parts ...*Tensor) *Tensor {
	if len(parts) == 0 {
		panic("tensor: ConcatCols needs at least one tensor")
	}
	rows := parts[0].shape[0]
	total := 0
	for _, p := range parts {
		if len(p.shape) != 2 || p.shape[0] != rows {
			panic(fmt.Sprintf("tensor: cannot concat %v with %d rows", p.shape, rows))
		}
		total += p.shape[1]
	}

	out := NewTensor(rows, total)
	for i := 0; i < rows; i++ {
		dst := out.data[i*total : (i+1)*total]
		off := 0
		for _, p := range parts {
			off += copy(dst[off:], p.Row(i))
		}
	}
	return out
}

// RepeatRows replicates a single-row tensor n times: (1, F) -> (n, F).
// The copies are independent; nothing is recomputed per row.
func RepeatRows(t *Tensor, n int) *Tensor {
	if len(t.shape) != 2 || t.shape[0] != 1 {
		panic(fmt.Sprintf("tensor: RepeatRows needs a (1, F) tensor, got %v", t.shape))
	}
	cols := t.shape[1]
	out := NewTensor(n, cols)
	for i := 0; i < n; i++ {
		copy(out.data[i*cols:(i+1)*cols], t.data)
	}
	return out
}

// SliceCols returns a copy of columns [start, end) of a 2D tensor.
func SliceCols(t *Tensor, start, end int) *Tensor {
	if len(t.shape) != 2 || start < 0 || end > t.shape[1] || start >= end {
		panic(fmt.Sprintf("tensor: bad column slice [%d,%d) of %v", start, end, t.shape))
	}
	rows, width := t.shape[0], end-start
	out := NewTensor(rows, width)
	for i := 0; i < rows; i++ {
		copy(out.data[i*width:(i+1)*width], t.Row(i)[start:end])
	}
	return out
}

// SliceRows returns a view of rows [start, end) of a 2D tensor.
// The view shares storage with t.
func SliceRows(t *Tensor, start, end int) *Tensor {
	if len(t.shape) != 2 || start < 0 || end > t.shape[0] || start >= end {
		panic(fmt.Sprintf("tensor: bad row slice [%d,%d) of %v", start, end, t.shape))
	}
	cols := t.shape[1]
	return &Tensor{
		data:  t.data[start*cols : end*cols],
		shape: []int{end - start, cols},
	}
}

// SelectCols gathers the listed columns of a 2D tensor in order.
func SelectCols(t *Tensor, cols []int) *Tensor {
	rows := t.shape[0]
	out := NewTensor(rows, len(cols))
	for i := 0; i < rows; i++ {
		src := t.Row(i)
		dst := out.Row(i)
		for j, c := range cols {
			dst[j] = src[c]
		}
	}
	return out
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// ReLU applies Rectified Linear Unit: f(x) = max(0, x).
func ReLU(x *Tensor) *Tensor {
	return apply(x, func(v float64) float64 { return math.Max(0, v) })
}

// LeakyReLU applies f(x) = x for x >= 0, slope*x otherwise.
// The conditioning nets use slope 0.02.
func LeakyReLU(x *Tensor, slope float64) *Tensor {
	return apply(x, func(v float64) float64 {
		if v < 0 {
			return slope * v
		}
		return v
	})
}

// Sigmoid maps logits to (0, 1). Used for RGB.
//
// Written in the two-branch form so neither branch evaluates exp of a
// large positive number.
func Sigmoid(x *Tensor) *Tensor {
	return apply(x, sigmoid)
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1 / (1 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1 + e)
}

// Tanh squashes logits into (-1, 1). Used for the ambient coordinate.
func Tanh(x *Tensor) *Tensor {
	return apply(x, math.Tanh)
}

// truncExpLimit bounds the exponent of TruncExp.
const truncExpLimit = 15

// TruncExp is the bounded exponential used for density:
//
//	TruncExp(x) = exp(clamp(x, -15, 15))
//
// It behaves like exp for moderate logits, never overflows, and is
// always strictly positive.
func TruncExp(x *Tensor) *Tensor {
	return apply(x, truncExp)
}

func truncExp(v float64) float64 {
	if v > truncExpLimit {
		v = truncExpLimit
	} else if v < -truncExpLimit {
		v = -truncExpLimit
	}
	return math.Exp(v)
}

// SoftmaxRows applies softmax to every row: p_i = exp(x_i) / Σ exp(x_j).
//
// Numerically stable version: subtract the row max before exp.
func SoftmaxRows(x *Tensor) *Tensor {
	if len(x.shape) != 2 {
		panic("tensor: SoftmaxRows requires 2D tensor")
	}

	out := NewTensor(x.shape...)
	for b := 0; b < x.shape[0]; b++ {
		softmaxInto(out.Row(b), x.Row(b))
	}
	return out
}

func softmaxInto(dst, src []float64) {
	maxVal := src[0]
	for _, v := range src[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	sum := 0.0
	for i, v := range src {
		e := math.Exp(v - maxVal)
		dst[i] = e
		sum += e
	}

	for i := range dst {
		dst[i] /= sum
	}
}

// ===========================================================================
// HELPERS
// ===========================================================================

func apply(x *Tensor, fn func(float64) float64) *Tensor {
	out := NewTensor(x.shape...)
	for i, v := range x.data {
		out.data[i] = fn(v)
	}
	return out
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
