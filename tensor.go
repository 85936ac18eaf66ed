package vera

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// RECOMMENDED READING:
//
// Numerical Computing:
// - "Numerical Linear Algebra" by Trefethen & Bau (1997)
//   Explains stability, conditioning of matrix operations
//
// - "What Every Computer Scientist Should Know About Floating-Point Arithmetic"
//   by Goldberg (1991) - rounding, precision loss, non-finite values
//
// Parameter-efficient fine-tuning:
// - "VeRA: Vector-based Random Matrix Adaptation" by Kopiczko, Blankevoort, Asano (2023)
//   https://arxiv.org/abs/2310.11454

var (
	// ErrShapeMismatch indicates incompatible tensor shapes for an operation.
	ErrShapeMismatch = errors.New("tensor: shape mismatch")

	// ErrInvalidShape indicates an invalid tensor shape.
	ErrInvalidShape = errors.New("tensor: invalid shape")
)

// DType is the element type a tensor emulates. Storage is always float64;
// every write is rounded to the precision of the dtype, so a Float16 tensor
// only ever holds values representable in IEEE half precision.
type DType uint8

const (
	Float32 DType = iota
	Float64
	Float16
	Int64
)

// String returns the conventional dtype name.
func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType is the inverse of DType.String.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "float32", "fp32":
		return Float32, nil
	case "float64", "fp64":
		return Float64, nil
	case "float16", "fp16", "half":
		return Float16, nil
	case "int64":
		return Int64, nil
	}
	return 0, fmt.Errorf("tensor: unknown dtype %q", s)
}

// IsFloat reports whether d is a floating point dtype.
func (d DType) IsFloat() bool { return d != Int64 }

// round maps v onto the nearest value representable in d.
func (d DType) round(v float64) float64 {
	switch d {
	case Float32:
		return float64(float32(v))
	case Float16:
		return float64(Float16ToFloat32(Float32ToFloat16(float32(v))))
	case Int64:
		return math.Trunc(v)
	default:
		return v
	}
}

// precision orders dtypes for promotion.
func (d DType) precision() int {
	switch d {
	case Float64:
		return 3
	case Float32:
		return 2
	case Float16:
		return 1
	default:
		return 0
	}
}

// promote returns the result dtype of a binary operation on a and b.
func promote(a, b DType) DType {
	if a.precision() >= b.precision() {
		return a
	}
	return b
}

// Device tags where a tensor notionally lives. All arithmetic runs on the
// host; the tag only drives precision rules that differ per backend.
type Device string

// CPU is the default device.
const CPU Device = "cpu"

// IsCPU reports whether d names the host device.
func (d Device) IsCPU() bool {
	return d == "" || d == CPU || strings.HasPrefix(string(d), "cpu:")
}

// Tensor represents a multi-dimensional array stored in row-major
// (C-contiguous) order.
//
// Tensor is not safe for concurrent use. Synchronization must be
// handled by the caller if needed.
type Tensor struct {
	data   []float64 // Flat array storing all elements
	shape  []int     // Dimensions [rows, cols, ...]
	dtype  DType
	device Device
}

// NewTensor creates a float32 CPU tensor with the given shape, initialized to zero.
// Panics if shape is invalid (empty or contains non-positive dimensions).
//
// Shape errors are programmer bugs, not runtime conditions that should be
// handled gracefully.
func NewTensor(shape ...int) *Tensor {
	return Zeros(Float32, shape...)
}

// Zeros creates a zero tensor of the given dtype on the CPU.
func Zeros(dtype DType, shape ...int) *Tensor {
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
		data:   make([]float64, size),
		shape:  shapeCopy,
		dtype:  dtype,
		device: CPU,
	}
}

// Full creates a float32 tensor with every element set to value.
func Full(value float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.Fill(value)
	return t
}

// FromSlice creates a float32 tensor holding a copy of data.
// Panics if len(data) does not match the shape.
func FromSlice(data []float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	if len(data) != len(t.data) {
		panic(fmt.Sprintf("tensor: %d values cannot fill shape %v", len(data), shape))
	}
	for i, v := range data {
		t.data[i] = t.dtype.round(v)
	}
	return t
}

// FromInts creates a 1-D int64 tensor, typically token ids for an embedding.
func FromInts(ids []int) *Tensor {
	t := Zeros(Int64, len(ids))
	for i, id := range ids {
		t.data[i] = float64(id)
	}
	return t
}

// Shape returns a copy of the tensor's shape.
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

// DType returns the element type.
func (t *Tensor) DType() DType { return t.dtype }

// Device returns the device tag.
func (t *Tensor) Device() Device { return t.device }

// Data returns a copy of the flat element buffer.
func (t *Tensor) Data() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

// Ints returns the elements truncated to int, for index tensors.
func (t *Tensor) Ints() []int {
	out := make([]int, len(t.data))
	for i, v := range t.data {
		out[i] = int(v)
	}
	return out
}

// At returns the element at the given indices.
// Panics if indices are invalid - this is a programmer error.
func (t *Tensor) At(indices ...int) float64 {
	return t.data[t.flatIndex(indices)]
}

// Set sets the element at the given indices, rounded to the tensor's dtype.
// Panics if indices are invalid.
func (t *Tensor) Set(value float64, indices ...int) {
	t.data[t.flatIndex(indices)] = t.dtype.round(value)
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

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := &Tensor{
		data:   make([]float64, len(t.data)),
		shape:  t.Shape(),
		dtype:  t.dtype,
		device: t.device,
	}
	copy(clone.data, t.data)
	return clone
}

// To returns t converted to dtype. Like most tensor libraries, it returns
// t itself when no conversion is needed; otherwise a rounded copy.
func (t *Tensor) To(dtype DType) *Tensor {
	if t.dtype == dtype {
		return t
	}
	out := t.Clone()
	out.dtype = dtype
	for i, v := range out.data {
		out.data[i] = dtype.round(v)
	}
	return out
}

// OnDevice returns t tagged with device, copying when the tag changes.
func (t *Tensor) OnDevice(device Device) *Tensor {
	if t.device == device {
		return t
	}
	out := t.Clone()
	out.device = device
	return out
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
		data:   t.data, // Share underlying data
		shape:  shapeCopy,
		dtype:  t.dtype,
		device: t.device,
	}
}

// String returns a string representation of the tensor for debugging.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, device=%s)", t.shape, t.dtype, t.device)
}

// ===========================================================================
// IN-PLACE MUTATION
// ===========================================================================
//
// Base layer weights are foreign storage: merge and unmerge must write into
// the existing buffer so every holder of the *Tensor observes the change.

// Fill sets every element to value.
func (t *Tensor) Fill(value float64) {
	v := t.dtype.round(value)
	for i := range t.data {
		t.data[i] = v
	}
}

// CopyFrom overwrites t's elements with src's, rounding to t's dtype.
// Panics if shapes don't match.
func (t *Tensor) CopyFrom(src *Tensor) {
	mustSameShape("copy", t, src)
	for i, v := range src.data {
		t.data[i] = t.dtype.round(v)
	}
}

// AddInPlace performs t += src.
func (t *Tensor) AddInPlace(src *Tensor) {
	mustSameShape("add", t, src)
	for i, v := range src.data {
		t.data[i] = t.dtype.round(t.data[i] + v)
	}
}

// SubInPlace performs t -= src.
func (t *Tensor) SubInPlace(src *Tensor) {
	mustSameShape("subtract", t, src)
	for i, v := range src.data {
		t.data[i] = t.dtype.round(t.data[i] - v)
	}
}

// AllFinite reports whether no element is NaN or ±Inf.
func (t *Tensor) AllFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ===========================================================================
// OPERATIONS
// ===========================================================================

// Add performs element-wise addition: out = a + b.
// Panics if shapes don't match.
func Add(a, b *Tensor) *Tensor {
	mustSameShape("add", a, b)
	out := resultLike(a, promote(a.dtype, b.dtype))
	for i := range out.data {
		out.data[i] = out.dtype.round(a.data[i] + b.data[i])
	}
	return out
}

// Sub performs element-wise subtraction: out = a - b.
func Sub(a, b *Tensor) *Tensor {
	mustSameShape("subtract", a, b)
	out := resultLike(a, promote(a.dtype, b.dtype))
	for i := range out.data {
		out.data[i] = out.dtype.round(a.data[i] - b.data[i])
	}
	return out
}

// Mul performs element-wise multiplication: out = a * b (Hadamard product).
// Panics if shapes don't match.
func Mul(a, b *Tensor) *Tensor {
	mustSameShape("multiply", a, b)
	out := resultLike(a, promote(a.dtype, b.dtype))
	for i := range out.data {
		out.data[i] = out.dtype.round(a.data[i] * b.data[i])
	}
	return out
}

// Scale multiplies all elements by a scalar: out = a * scalar.
func Scale(a *Tensor, scalar float64) *Tensor {
	out := resultLike(a, a.dtype)
	for i := range out.data {
		out.data[i] = out.dtype.round(a.data[i] * scalar)
	}
	return out
}

// Transpose returns the transpose of a 2D matrix: A^T.
// A: (M, N) -> A^T: (N, M).
func Transpose(a *Tensor) *Tensor {
	m, n := dims2(a, "Transpose")
	out := Zeros(a.dtype, n, m)
	out.device = a.device

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			out.data[j*m+i] = a.data[i*n+j]
		}
	}

	return out
}

// ScaleRows multiplies row i of m by v[i]: the v ⊗ M broadcast used by the
// VeRA delta weight (v.unsqueeze(-1) * M).
func ScaleRows(m, v *Tensor) *Tensor {
	rows, cols := dims2(m, "ScaleRows")
	if v.Size() != rows {
		panic(fmt.Sprintf("tensor: cannot scale %d rows by vector of length %d", rows, v.Size()))
	}
	out := resultLike(m, promote(m.dtype, v.dtype))
	for i := 0; i < rows; i++ {
		s := v.data[i]
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = out.dtype.round(m.data[i*cols+j] * s)
		}
	}
	return out
}

// ScaleCols multiplies column j of m by v[j] (broadcast over the last axis).
func ScaleCols(m, v *Tensor) *Tensor {
	rows, cols := dims2(m, "ScaleCols")
	if v.Size() != cols {
		panic(fmt.Sprintf("tensor: cannot scale %d columns by vector of length %d", cols, v.Size()))
	}
	out := resultLike(m, promote(m.dtype, v.dtype))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = out.dtype.round(m.data[i*cols+j] * v.data[j])
		}
	}
	return out
}

// SliceRows returns a copy of rows [start, end).
func SliceRows(m *Tensor, start, end int) *Tensor {
	rows, cols := dims2(m, "SliceRows")
	if start < 0 || end > rows || start >= end {
		panic(fmt.Sprintf("tensor: row slice [%d,%d) out of range for %d rows", start, end, rows))
	}
	if start == 0 && end == rows {
		return m
	}
	out := Zeros(m.dtype, end-start, cols)
	out.device = m.device
	copy(out.data, m.data[start*cols:end*cols])
	return out
}

// SliceCols returns a copy of columns [start, end).
func SliceCols(m *Tensor, start, end int) *Tensor {
	rows, cols := dims2(m, "SliceCols")
	if start < 0 || end > cols || start >= end {
		panic(fmt.Sprintf("tensor: column slice [%d,%d) out of range for %d columns", start, end, cols))
	}
	if start == 0 && end == cols {
		return m
	}
	width := end - start
	out := Zeros(m.dtype, rows, width)
	out.device = m.device
	for i := 0; i < rows; i++ {
		copy(out.data[i*width:(i+1)*width], m.data[i*cols+start:i*cols+end])
	}
	return out
}

// IndexRows gathers the given rows of m: the embedding lookup.
func IndexRows(m *Tensor, ids []int) *Tensor {
	rows, cols := dims2(m, "IndexRows")
	if len(ids) == 0 {
		panic("tensor: IndexRows requires at least one index")
	}
	out := Zeros(m.dtype, len(ids), cols)
	out.device = m.device
	for i, id := range ids {
		if id < 0 || id >= rows {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d)", id, rows))
		}
		copy(out.data[i*cols:(i+1)*cols], m.data[id*cols:(id+1)*cols])
	}
	return out
}

// AddBias adds a bias vector to each row of x.
// x: (rows, cols), bias: (cols,)
func AddBias(x, bias *Tensor) *Tensor {
	rows, cols := dims2(x, "AddBias")
	if bias.Size() != cols {
		panic(fmt.Sprintf("tensor: bias length %d does not match %d columns", bias.Size(), cols))
	}
	out := resultLike(x, promote(x.dtype, bias.dtype))
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.data[i*cols+j] = out.dtype.round(x.data[i*cols+j] + bias.data[j])
		}
	}
	return out
}

// Equal reports whether a and b have the same shape, dtype and bit-identical elements.
func Equal(a, b *Tensor) bool {
	if a.dtype != b.dtype || !shapeEqual(a.shape, b.shape) {
		return false
	}
	for i := range a.data {
		if math.Float64bits(a.data[i]) != math.Float64bits(b.data[i]) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns max |a - b| over all elements.
// Panics if shapes don't match.
func MaxAbsDiff(a, b *Tensor) float64 {
	mustSameShape("compare", a, b)
	maxDiff := 0.0
	for i := range a.data {
		if d := math.Abs(a.data[i] - b.data[i]); d > maxDiff || math.IsNaN(d) {
			maxDiff = d
		}
	}
	return maxDiff
}

// ===========================================================================
// ACTIVATION FUNCTIONS
// ===========================================================================

// GELU applies Gaussian Error Linear Unit.
// Used in transformers (GPT, BERT). Smoother than ReLU.
//
// GELU(x) ≈ 0.5 * x * (1 + tanh(√(2/π) * (x + 0.044715 * x³)))
func GELU(x *Tensor) *Tensor {
	out := resultLike(x, x.dtype)

	const (
		sqrt2OverPi = 0.7978845608028654 // sqrt(2/π)
		coeff       = 0.044715
	)

	for i, v := range x.data {
		inner := sqrt2OverPi * (v + coeff*v*v*v)
		out.data[i] = out.dtype.round(0.5 * v * (1.0 + math.Tanh(inner)))
	}

	return out
}

// Softmax applies softmax over the last axis of a 2D tensor.
//
// Numerically stable version: subtract max before exp to prevent overflow.
func Softmax(x *Tensor) *Tensor {
	batch, features := dims2(x, "Softmax")
	out := resultLike(x, x.dtype)

	for b := 0; b < batch; b++ {
		row := x.data[b*features : (b+1)*features]

		maxVal := row[0]
		for _, v := range row[1:] {
			if v > maxVal {
				maxVal = v
			}
		}

		sum := 0.0
		exps := make([]float64, features)
		for f, v := range row {
			exps[f] = math.Exp(v - maxVal)
			sum += exps[f]
		}

		for f := range exps {
			out.data[b*features+f] = out.dtype.round(exps[f] / sum)
		}
	}

	return out
}

// ===========================================================================
// HELPERS
// ===========================================================================

func resultLike(t *Tensor, dtype DType) *Tensor {
	return &Tensor{
		data:   make([]float64, len(t.data)),
		shape:  t.Shape(),
		dtype:  dtype,
		device: t.device,
	}
}

func dims2(t *Tensor, op string) (int, int) {
	if len(t.shape) != 2 {
		panic(fmt.Sprintf("tensor: %s requires 2D tensor, got shape %v", op, t.shape))
	}
	return t.shape[0], t.shape[1]
}

func mustSameShape(op string, a, b *Tensor) {
	if !shapeEqual(a.shape, b.shape) {
		panic(fmt.Sprintf("%v: cannot %s shapes %v and %v", ErrShapeMismatch, op, a.shape, b.shape))
	}
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
