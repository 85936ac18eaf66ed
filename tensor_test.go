package vera

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTensorBasics tests basic tensor creation and access.
func TestTensorBasics(t *testing.T) {
	tensor := NewTensor(2, 3)

	assert.Equal(t, []int{2, 3}, tensor.Shape())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, Float32, tensor.DType())
	assert.Equal(t, CPU, tensor.Device())

	tensor.Set(1.5, 0, 0)
	tensor.Set(2.5, 1, 2)
	assert.Equal(t, 1.5, tensor.At(0, 0))
	assert.Equal(t, 2.5, tensor.At(1, 2))

	// Shape returns a copy
	s := tensor.Shape()
	s[0] = 99
	assert.Equal(t, []int{2, 3}, tensor.Shape())
}

func TestTensorInvalidShapePanics(t *testing.T) {
	assert.Panics(t, func() { NewTensor() })
	assert.Panics(t, func() { NewTensor(2, 0) })
	assert.Panics(t, func() { FromSlice([]float64{1, 2, 3}, 2, 2) })
}

func TestSetRoundsToDType(t *testing.T) {
	half := Zeros(Float16, 1)
	half.Set(1.0001, 0)
	assert.Equal(t, 1.0, half.At(0), "1.0001 is not representable in half precision")

	f32 := NewTensor(1)
	f32.Set(0.1, 0)
	assert.Equal(t, float64(float32(0.1)), f32.At(0))

	f64 := Zeros(Float64, 1)
	f64.Set(0.1, 0)
	assert.Equal(t, 0.1, f64.At(0))
}

func TestToAndClone(t *testing.T) {
	a := FromSlice([]float64{1, 2, 3, 4}, 2, 2)
	assert.Same(t, a, a.To(Float32), "no-op conversion returns the receiver")

	b := a.To(Float64)
	assert.Equal(t, Float64, b.DType())
	assert.Equal(t, a.Data(), b.Data())

	c := a.Clone()
	c.Set(10, 0, 0)
	assert.Equal(t, 1.0, a.At(0, 0), "clone must not share storage")

	d := a.OnDevice("cuda:0")
	assert.Equal(t, Device("cuda:0"), d.Device())
	assert.Equal(t, CPU, a.Device())
	assert.False(t, d.Device().IsCPU())
	assert.True(t, Device("cpu:1").IsCPU())
}

func TestReshapeSharesData(t *testing.T) {
	a := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	r := a.Reshape(3, 2)
	r.Set(42, 0, 1)
	assert.Equal(t, 42.0, a.At(0, 1))
	assert.Panics(t, func() { a.Reshape(4, 2) })
}

func TestInPlaceOps(t *testing.T) {
	w := FromSlice([]float64{1, 2, 3, 4}, 2, 2)
	storage := w // same pointer held elsewhere

	delta := FromSlice([]float64{0.5, 0.5, 0.5, 0.5}, 2, 2)
	w.AddInPlace(delta)
	assert.Equal(t, []float64{1.5, 2.5, 3.5, 4.5}, storage.Data())

	w.SubInPlace(delta)
	assert.Equal(t, []float64{1, 2, 3, 4}, storage.Data())

	w.CopyFrom(delta)
	assert.Equal(t, []float64{0.5, 0.5, 0.5, 0.5}, storage.Data())

	w.Fill(7)
	assert.Equal(t, []float64{7, 7, 7, 7}, storage.Data())

	assert.Panics(t, func() { w.AddInPlace(NewTensor(3)) })
}

func TestAllFinite(t *testing.T) {
	a := FromSlice([]float64{1, 2, 3}, 3)
	assert.True(t, a.AllFinite())

	a.Set(math.NaN(), 1)
	assert.False(t, a.AllFinite())

	b := FromSlice([]float64{1, math.Inf(-1)}, 2)
	assert.False(t, b.AllFinite())
}

func TestElementwiseOps(t *testing.T) {
	a := FromSlice([]float64{1, 2, 3, 4}, 2, 2)
	b := FromSlice([]float64{4, 3, 2, 1}, 2, 2)

	assert.Equal(t, []float64{5, 5, 5, 5}, Add(a, b).Data())
	assert.Equal(t, []float64{-3, -1, 1, 3}, Sub(a, b).Data())
	assert.Equal(t, []float64{4, 6, 6, 4}, Mul(a, b).Data())
	assert.Equal(t, []float64{2, 4, 6, 8}, Scale(a, 2).Data())

	// Promotion keeps the wider dtype
	wide := b.To(Float64)
	assert.Equal(t, Float64, Add(a, wide).DType())
	assert.Equal(t, Float32, Add(a, b.To(Float16)).DType())

	assert.Panics(t, func() { Add(a, NewTensor(4)) })
}

func TestTranspose(t *testing.T) {
	a := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	at := Transpose(a)
	assert.Equal(t, []int{3, 2}, at.Shape())
	assert.Equal(t, []float64{1, 4, 2, 5, 3, 6}, at.Data())
	assert.True(t, Equal(a, Transpose(at)))
}

func TestScaleRowsAndCols(t *testing.T) {
	m := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 2, 3)

	rows := ScaleRows(m, FromSlice([]float64{2, 10}, 2))
	assert.Equal(t, []float64{2, 4, 6, 40, 50, 60}, rows.Data())

	cols := ScaleCols(m, FromSlice([]float64{1, 0, -1}, 3))
	assert.Equal(t, []float64{1, 0, -3, 4, 0, -6}, cols.Data())

	assert.Panics(t, func() { ScaleRows(m, NewTensor(3)) })
	assert.Panics(t, func() { ScaleCols(m, NewTensor(2)) })
}

func TestSlicing(t *testing.T) {
	m := FromSlice([]float64{1, 2, 3, 4, 5, 6}, 3, 2)

	assert.Equal(t, []float64{3, 4, 5, 6}, SliceRows(m, 1, 3).Data())
	assert.Equal(t, []float64{2, 4, 6}, SliceCols(m, 1, 2).Data())
	assert.Same(t, m, SliceRows(m, 0, 3), "full slice returns the receiver")
	assert.Same(t, m, SliceCols(m, 0, 2))

	assert.Panics(t, func() { SliceRows(m, 2, 4) })
	assert.Panics(t, func() { SliceCols(m, 1, 1) })
}

func TestIndexRowsAndBias(t *testing.T) {
	table := FromSlice([]float64{0, 0, 1, 1, 2, 2}, 3, 2)
	got := IndexRows(table, []int{2, 0, 2})
	assert.Equal(t, []float64{2, 2, 0, 0, 2, 2}, got.Data())
	assert.Panics(t, func() { IndexRows(table, []int{3}) })

	x := FromSlice([]float64{1, 1, 1, 1}, 2, 2)
	withBias := AddBias(x, FromSlice([]float64{1, -1}, 2))
	assert.Equal(t, []float64{2, 0, 2, 0}, withBias.Data())
}

func TestEqualAndMaxAbsDiff(t *testing.T) {
	a := FromSlice([]float64{1, 2}, 2)
	b := FromSlice([]float64{1, 2.5}, 2)

	assert.True(t, Equal(a, a.Clone()))
	assert.False(t, Equal(a, b))
	assert.False(t, Equal(a, a.To(Float64)), "dtype is part of equality")
	assert.InDelta(t, 0.5, MaxAbsDiff(a, b), 1e-12)

	nan := FromSlice([]float64{1, math.NaN()}, 2)
	assert.True(t, math.IsNaN(MaxAbsDiff(a, nan)))
}

// TestSoftmax tests that rows sum to one and ordering is preserved.
func TestSoftmax(t *testing.T) {
	x := FromSlice([]float64{1, 2, 3, 1000, 1000, 1000}, 2, 3)
	s := Softmax(x)

	for r := 0; r < 2; r++ {
		sum := 0.0
		for c := 0; c < 3; c++ {
			sum += s.At(r, c)
		}
		assert.InDelta(t, 1.0, sum, 1e-6)
	}
	assert.Less(t, s.At(0, 0), s.At(0, 2))
	assert.InDelta(t, 1.0/3, s.At(1, 1), 1e-6, "large inputs must not overflow")
}

func TestGELU(t *testing.T) {
	x := FromSlice([]float64{-10, 0, 10}, 3)
	g := GELU(x)
	assert.InDelta(t, 0, g.At(0), 1e-4)
	assert.Equal(t, 0.0, g.At(1))
	assert.InDelta(t, 10, g.At(2), 1e-4)
}

func TestParseDType(t *testing.T) {
	for _, d := range []DType{Float32, Float64, Float16, Int64} {
		got, err := ParseDType(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	got, err := ParseDType("half")
	require.NoError(t, err)
	assert.Equal(t, Float16, got)

	_, err = ParseDType("bfloat17")
	assert.Error(t, err)
}

func TestFromInts(t *testing.T) {
	ids := FromInts([]int{3, 1, 4})
	assert.Equal(t, Int64, ids.DType())
	assert.Equal(t, []int{3, 1, 4}, ids.Ints())
}
