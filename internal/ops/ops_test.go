package ops_test

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/flowvae/internal/ops"
)

func fromRows(t *testing.T, rows [][]float32) *tensor.Tensor[float32, *autodiff.Backend[*cpu.Backend]] {
	t.Helper()
	backend := autodiff.New(cpu.New())
	data := make([]float32, 0, len(rows)*len(rows[0]))
	for _, row := range rows {
		data = append(data, row...)
	}
	x, err := tensor.FromSlice(data, tensor.Shape{len(rows), len(rows[0])}, backend)
	require.NoError(t, err)
	return x
}

func TestRowSumAndTotal(t *testing.T) {
	x := fromRows(t, [][]float32{{1, 2, 3}, {4, 5, 6}})

	rows := ops.RowSum(x)
	assert.Equal(t, tensor.Shape{2, 1}, rows.Shape())
	assert.InDeltaSlice(t, []float32{6, 15}, rows.Data(), 1e-6)

	total := ops.Total(x)
	assert.Equal(t, tensor.Shape{1, 1}, total.Shape())
	assert.InDelta(t, 21, ops.Value(total), 1e-6)
}

func TestAbsAndNeg(t *testing.T) {
	x := fromRows(t, [][]float32{{-2, 0, 3.5}})
	assert.InDeltaSlice(t, []float32{2, 0, 3.5}, ops.Abs(x).Data(), 1e-6)
	assert.InDeltaSlice(t, []float32{2, 0, -3.5}, ops.Neg(x).Data(), 1e-6)
}

func TestLogAbsEps(t *testing.T) {
	x := fromRows(t, [][]float32{{2}, {-2}, {0}})
	got := ops.LogAbsEps(x).Data()
	assert.InDelta(t, math.Log(2), got[0], 1e-6)
	assert.InDelta(t, math.Log(2), got[1], 1e-6)
	assert.InDelta(t, float32(math.Log(1e-9)), got[2], 1e-3)
}

func TestLogEps(t *testing.T) {
	x := fromRows(t, [][]float32{{1, 0.5, 0}})
	got := ops.LogEps(x).Data()
	assert.InDelta(t, 0, got[0], 1e-6)
	assert.InDelta(t, math.Log(0.5), got[1], 1e-6)
	assert.False(t, math.IsInf(float64(got[2]), 0))
}

func TestPow(t *testing.T) {
	x := fromRows(t, [][]float32{{2}, {-1.5}})

	tests := []struct {
		n    int
		want []float32
	}{
		{0, []float32{1, 1}},
		{1, []float32{2, -1.5}},
		{2, []float32{4, 2.25}},
		{5, []float32{32, -7.59375}},
	}
	for _, tt := range tests {
		assert.InDeltaSlice(t, tt.want, ops.Pow(x, tt.n).Data(), 1e-5, "n=%d", tt.n)
	}

	assert.Panics(t, func() { ops.Pow(x, -1) })
}

func TestTanh(t *testing.T) {
	values := []float32{-3, -0.5, 0, 0.25, 2}

	// Native path through the autodiff backend.
	x := fromRows(t, [][]float32{values})
	native := ops.Tanh(x).Data()

	// Fallback path on a backend without Tanh.
	plain, err := tensor.FromSlice(values, tensor.Shape{1, len(values)}, cpu.New())
	require.NoError(t, err)
	fallback := ops.Tanh(plain).Data()

	for i, v := range values {
		want := math.Tanh(float64(v))
		assert.InDelta(t, want, native[i], 1e-6)
		assert.InDelta(t, want, fallback[i], 1e-6)
	}
}

func TestSoftplus(t *testing.T) {
	x := fromRows(t, [][]float32{{-5, 0, 1, 30}})
	got := ops.Softplus(x).Data()

	assert.InDelta(t, math.Log1p(math.Exp(-5)), got[0], 1e-6)
	assert.InDelta(t, math.Log(2), got[1], 1e-6)
	assert.InDelta(t, math.Log1p(math.E), got[2], 1e-6)
	assert.InDelta(t, 30, got[3], 1e-6)
}

func TestClamp(t *testing.T) {
	x := fromRows(t, [][]float32{{-1, 1e-5, 0.5, 7}})
	got := ops.Clamp(x, 1e-4, 5).Data()
	assert.InDeltaSlice(t, []float32{1e-4, 1e-4, 0.5, 5}, got, 1e-7)

	assert.Panics(t, func() { ops.Clamp(x, 2, 1) })
}

func TestShapeMisuse(t *testing.T) {
	backend := autodiff.New(cpu.New())
	v := tensor.Ones[float32](tensor.Shape{3}, backend)

	assert.Panics(t, func() { ops.RowSum(v) })
	assert.Panics(t, func() { ops.Total(v) })
	assert.Panics(t, func() { ops.Value(tensor.Ones[float32](tensor.Shape{2, 2}, backend)) })
}
