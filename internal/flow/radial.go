package flow

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/ops"
)

// Radial is the radial flow f(z) = z + beta * h(r) * (z - z0), where
// r = ||z - z0|| and h(r) = 1 / (alpha + r).
//
// The default determinant is ((1+bh)^dim - 1) * (1 + bh + beta*h'*r), with
// bh = beta*h and h' = -1/(alpha+r)^2. Options.ExactRadialDet selects
// (1+bh)^(dim-1) * (1 + bh + beta*h'*r) instead.
//
// alpha approaching -r divides by zero; no guard is applied.
type Radial[B tensor.Backend] struct {
	dim   int
	exact bool
	z0    *nn.Parameter[B] // [dim]
	alpha *nn.Parameter[B] // [1]
	beta  *nn.Parameter[B] // [1]
}

// NewRadial creates a radial flow on dim-dimensional vectors.
func NewRadial[B tensor.Backend](dim int, backend B, opts Options) (*Radial[B], error) {
	if dim <= 0 {
		return nil, errors.Wrapf(ErrInvalidDim, "radial flow: got %d", dim)
	}
	return &Radial[B]{
		dim:   dim,
		exact: opts.ExactRadialDet,
		z0:    nn.NewParameter("z0", uniformInit(tensor.Shape{dim}, opts.Src, backend)),
		alpha: nn.NewParameter("alpha", uniformInit(tensor.Shape{1}, opts.Src, backend)),
		beta:  nn.NewParameter("beta", uniformInit(tensor.Shape{1}, opts.Src, backend)),
	}, nil
}

// Kind returns KindRadial.
func (r *Radial[B]) Kind() Kind { return KindRadial }

// Dim returns the vector dimension.
func (r *Radial[B]) Dim() int { return r.dim }

// Center returns the z0 parameter.
func (r *Radial[B]) Center() *nn.Parameter[B] { return r.z0 }

// Alpha returns the alpha parameter.
func (r *Radial[B]) Alpha() *nn.Parameter[B] { return r.alpha }

// Beta returns the beta parameter.
func (r *Radial[B]) Beta() *nn.Parameter[B] { return r.beta }

// radius returns (z - z0) [batch, dim], r [batch, 1] and h = 1/(alpha + r) [batch, 1].
func (r *Radial[B]) radius(z *tensor.Tensor[float32, B]) (diff, dist, h *tensor.Tensor[float32, B]) {
	diff = z.Sub(r.z0.Tensor().Reshape(1, r.dim))
	dist = ops.RowSum(ops.Square(diff)).Sqrt()
	h = ops.Scalar(1, z.Backend()).Div(r.alpha.Tensor().Reshape(1, 1).Add(dist))
	return diff, dist, h
}

// Forward computes z + beta * h * (z - z0).
func (r *Radial[B]) Forward(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkBatch("radial forward", z, r.dim)

	diff, _, h := r.radius(z)
	beta := r.beta.Tensor().Reshape(1, 1)
	return z.Add(beta.Mul(h).Mul(diff))
}

// LogAbsDetJacobian computes log(|det| + 1e-9) per row.
func (r *Radial[B]) LogAbsDetJacobian(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkBatch("radial log-det", z, r.dim)

	backend := z.Backend()
	one := ops.Scalar(1, backend)

	_, dist, h := r.radius(z)
	alpha := r.alpha.Tensor().Reshape(1, 1)
	beta := r.beta.Tensor().Reshape(1, 1)

	a := alpha.Add(dist)
	hp := ops.Scalar(-1, backend).Div(a.Mul(a))
	bh := beta.Mul(h)
	onePlus := one.Add(bh)
	tail := one.Add(bh).Add(beta.Mul(hp).Mul(dist))

	var det *tensor.Tensor[float32, B]
	if r.exact {
		det = ops.Pow(onePlus, r.dim-1).Mul(tail)
	} else {
		det = ops.Pow(onePlus, r.dim).Sub(one).Mul(tail)
	}
	return ops.LogAbsEps(det)
}

// Parameters returns [z0, alpha, beta].
func (r *Radial[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{r.z0, r.alpha, r.beta}
}

// StateDict returns the parameters keyed "z0", "alpha" and "beta".
func (r *Radial[B]) StateDict() map[string]*tensor.RawTensor {
	return stateDictOf(r.z0, r.alpha, r.beta)
}

// LoadStateDict loads "z0", "alpha" and "beta".
func (r *Radial[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, param := range r.Parameters() {
		if err := loadParam(param, stateDict); err != nil {
			return errors.Wrap(err, "radial flow")
		}
	}
	return nil
}
