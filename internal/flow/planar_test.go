package flow_test

import (
	"math"
	"testing"

	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/flowvae/internal/flow"
)

func TestPlanarLogDetFixture(t *testing.T) {
	b := newBackend()
	f, err := flow.NewPlanar(2, b, flow.Options{})
	require.NoError(t, err)

	require.NoError(t, f.LoadStateDict(map[string]*tensor.RawTensor{
		"w": raw(t, b, tensor.Shape{2}, 1, 0),
		"u": raw(t, b, tensor.Shape{2}, 1, 0),
		"b": raw(t, b, tensor.Shape{1}, 0),
	}))

	z := batch(t, b, [][]float32{{0, 0}})

	// tanh(0) = 0, so the output is the input.
	assert.InDeltaSlice(t, []float32{0, 0}, f.Forward(z).Data(), 1e-7)

	// psi = [1, 0], det = 1 + psi·u = 2.
	logDet := f.LogAbsDetJacobian(z)
	assert.Equal(t, tensor.Shape{1, 1}, logDet.Shape())
	assert.InDelta(t, math.Log(2+1e-9), logDet.Data()[0], 1e-6)
}

func TestPlanarForward(t *testing.T) {
	b := newBackend()
	f, err := flow.NewPlanar(2, b, flow.Options{})
	require.NoError(t, err)

	require.NoError(t, f.LoadStateDict(map[string]*tensor.RawTensor{
		"w": raw(t, b, tensor.Shape{2}, 0.5, -1),
		"u": raw(t, b, tensor.Shape{2}, 2, 3),
		"b": raw(t, b, tensor.Shape{1}, 0.25),
	}))

	rows := [][]float32{{1, 2}, {-0.5, 0.3}}
	got := f.Forward(batch(t, b, rows)).Data()

	for i, row := range rows {
		act := math.Tanh(0.5*float64(row[0]) - float64(row[1]) + 0.25)
		assert.InDelta(t, float64(row[0])+2*act, got[2*i], 1e-5)
		assert.InDelta(t, float64(row[1])+3*act, got[2*i+1], 1e-5)
	}
}

func TestPlanarZeroDeterminantIsFinite(t *testing.T) {
	b := newBackend()
	f, err := flow.NewPlanar(1, b, flow.Options{})
	require.NoError(t, err)

	// det = 1 + (1 - tanh(0)^2) * w * u = 1 - 1 = 0
	require.NoError(t, f.LoadStateDict(map[string]*tensor.RawTensor{
		"w": raw(t, b, tensor.Shape{1}, 1),
		"u": raw(t, b, tensor.Shape{1}, -1),
		"b": raw(t, b, tensor.Shape{1}, 0),
	}))

	got := f.LogAbsDetJacobian(batch(t, b, [][]float32{{0}})).Data()[0]
	assert.False(t, math.IsInf(float64(got), 0))
	assert.Less(t, got, float32(-15))
}
