// Package ops provides the elementwise and reduction building blocks shared by
// flows and the latent-variable model.
//
// Every helper is composed from tensor operations that the autodiff tape
// records (Add, Sub, Mul, Div, MatMul, Reshape, Exp, Log, Sqrt, Where), so
// gradients flow through them without dedicated backward implementations.
// Reductions are expressed as matrix products with ones vectors for the same
// reason.
//
// Helpers expect 2D operands shaped [rows, cols]. Scalars are [1, 1] tensors
// that broadcast against any 2D operand.
//
// The CPU backend updates uniquely-referenced operands in place, so callers
// should run these helpers on an autodiff-wrapped backend
// (autodiff.New(cpu.New())), which forces fresh results.
package ops

import (
	"fmt"

	"github.com/born-ml/born/tensor"
)

// LogEpsilon is added to a magnitude before taking its logarithm.
const LogEpsilon = 1e-9

// softplusThreshold is the input above which softplus(x) is returned as x.
const softplusThreshold = 20

// TanhBackend is implemented by backends with a native, differentiable tanh.
type TanhBackend interface {
	Tanh(*tensor.RawTensor) *tensor.RawTensor
}

// Scalar returns a [1, 1] constant on backend b.
func Scalar[B tensor.Backend](v float32, b B) *tensor.Tensor[float32, B] {
	return tensor.Full[float32](tensor.Shape{1, 1}, v, b)
}

// Rows returns the number of rows of a 2D tensor.
func Rows[B tensor.Backend](x *tensor.Tensor[float32, B]) int {
	return must2D(x, "Rows")[0]
}

// Cols returns the number of columns of a 2D tensor.
func Cols[B tensor.Backend](x *tensor.Tensor[float32, B]) int {
	return must2D(x, "Cols")[1]
}

// RowSum sums each row of x: [rows, cols] -> [rows, 1].
func RowSum[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := must2D(x, "RowSum")
	ones := tensor.Ones[float32](tensor.Shape{shape[1], 1}, x.Backend())
	return x.MatMul(ones)
}

// Total sums every element of x: [rows, cols] -> [1, 1].
func Total[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	shape := must2D(x, "Total")
	ones := tensor.Ones[float32](tensor.Shape{1, shape[0]}, x.Backend())
	return ones.MatMul(RowSum(x))
}

// Square returns x*x elementwise.
func Square[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x.Mul(x)
}

// Neg returns -x.
func Neg[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	zero := tensor.Zeros[float32](x.Shape(), x.Backend())
	return zero.Sub(x)
}

// Abs returns |x| elementwise.
func Abs[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	zero := tensor.Zeros[float32](x.Shape(), x.Backend())
	return tensor.Where(x.Lower(zero), Neg(x), x)
}

// LogAbsEps returns log(|x| + LogEpsilon).
func LogAbsEps[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return Abs(x).Add(Scalar(LogEpsilon, x.Backend())).Log()
}

// LogEps returns log(x + LogEpsilon) for non-negative x.
func LogEps[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	return x.Add(Scalar(LogEpsilon, x.Backend())).Log()
}

// Pow raises x to a non-negative integer power by repeated multiplication.
func Pow[B tensor.Backend](x *tensor.Tensor[float32, B], n int) *tensor.Tensor[float32, B] {
	if n < 0 {
		panic(fmt.Sprintf("ops.Pow: negative exponent %d", n))
	}
	if n == 0 {
		return tensor.Ones[float32](x.Shape(), x.Backend())
	}
	result := x
	for i := 1; i < n; i++ {
		result = result.Mul(x)
	}
	return result
}

// Tanh applies the hyperbolic tangent. Backends implementing TanhBackend are
// used directly; otherwise tanh(x) = 1 - 2/(exp(2x) + 1).
func Tanh[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	if tb, ok := any(backend).(TanhBackend); ok {
		return tensor.New[float32, B](tb.Tanh(x.Raw()), backend)
	}

	one := Scalar(1, backend)
	two := Scalar(2, backend)
	return one.Sub(two.Div(x.Mul(two).Exp().Add(one)))
}

// Softplus returns log(1 + exp(x)). Inputs above 20 pass through unchanged,
// which also keeps exp from overflowing.
func Softplus[B tensor.Backend](x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	backend := x.Backend()
	limit := tensor.Full[float32](x.Shape(), softplusThreshold, backend)
	large := x.Greater(limit)
	capped := tensor.Where(large, limit, x)
	soft := capped.Exp().Add(Scalar(1, backend)).Log()
	return tensor.Where(large, x, soft)
}

// Clamp limits x to [lo, hi] elementwise.
func Clamp[B tensor.Backend](x *tensor.Tensor[float32, B], lo, hi float32) *tensor.Tensor[float32, B] {
	if lo > hi {
		panic(fmt.Sprintf("ops.Clamp: lo %v > hi %v", lo, hi))
	}
	backend := x.Backend()
	low := tensor.Full[float32](x.Shape(), lo, backend)
	high := tensor.Full[float32](x.Shape(), hi, backend)
	upper := tensor.Where(x.Greater(high), high, x)
	return tensor.Where(upper.Lower(low), low, upper)
}

// Value returns the single element of a [1, 1] tensor.
func Value[B tensor.Backend](x *tensor.Tensor[float32, B]) float32 {
	if x.NumElements() != 1 {
		panic(fmt.Sprintf("ops.Value: expected a single element, got shape %v", x.Shape()))
	}
	return x.Data()[0]
}

func must2D[B tensor.Backend](x *tensor.Tensor[float32, B], op string) tensor.Shape {
	shape := x.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("ops.%s: expected 2D tensor [rows, cols], got shape %v", op, shape))
	}
	return shape
}
