package flow

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/ops"
)

// Planar is the planar flow f(z) = z + u * tanh(w·z + b).
//
// Its Jacobian is a rank-one update of the identity, so
// det J = 1 + psi·u with psi = (1 - tanh(w·z + b)^2) * w.
type Planar[B tensor.Backend] struct {
	dim int
	w   *nn.Parameter[B] // [dim]
	u   *nn.Parameter[B] // [dim]
	b   *nn.Parameter[B] // [1]
}

// NewPlanar creates a planar flow on dim-dimensional vectors.
func NewPlanar[B tensor.Backend](dim int, backend B, opts Options) (*Planar[B], error) {
	if dim <= 0 {
		return nil, errors.Wrapf(ErrInvalidDim, "planar flow: got %d", dim)
	}
	return &Planar[B]{
		dim: dim,
		w:   nn.NewParameter("w", uniformInit(tensor.Shape{dim}, opts.Src, backend)),
		u:   nn.NewParameter("u", uniformInit(tensor.Shape{dim}, opts.Src, backend)),
		b:   nn.NewParameter("b", uniformInit(tensor.Shape{1}, opts.Src, backend)),
	}, nil
}

// Kind returns KindPlanar.
func (p *Planar[B]) Kind() Kind { return KindPlanar }

// Dim returns the vector dimension.
func (p *Planar[B]) Dim() int { return p.dim }

// W returns the weight parameter.
func (p *Planar[B]) W() *nn.Parameter[B] { return p.w }

// U returns the scale parameter.
func (p *Planar[B]) U() *nn.Parameter[B] { return p.u }

// B returns the bias parameter.
func (p *Planar[B]) B() *nn.Parameter[B] { return p.b }

// activation computes tanh(w·z + b) as [batch, 1].
func (p *Planar[B]) activation(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	w := p.w.Tensor().Reshape(p.dim, 1)
	b := p.b.Tensor().Reshape(1, 1)
	return ops.Tanh(z.MatMul(w).Add(b))
}

// Forward computes z + u * tanh(w·z + b).
func (p *Planar[B]) Forward(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkBatch("planar forward", z, p.dim)

	t := p.activation(z)
	u := p.u.Tensor().Reshape(1, p.dim)
	return z.Add(u.Mul(t))
}

// LogAbsDetJacobian computes log(|1 + psi·u| + 1e-9).
func (p *Planar[B]) LogAbsDetJacobian(z *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	checkBatch("planar log-det", z, p.dim)

	backend := z.Backend()
	one := ops.Scalar(1, backend)

	t := p.activation(z)
	w := p.w.Tensor().Reshape(1, p.dim)
	psi := one.Sub(ops.Square(t)).Mul(w) // [batch, dim]

	u := p.u.Tensor().Reshape(p.dim, 1)
	det := one.Add(psi.MatMul(u)) // [batch, 1]
	return ops.LogAbsEps(det)
}

// Parameters returns [w, u, b].
func (p *Planar[B]) Parameters() []*nn.Parameter[B] {
	return []*nn.Parameter[B]{p.w, p.u, p.b}
}

// StateDict returns the parameters keyed "w", "u" and "b".
func (p *Planar[B]) StateDict() map[string]*tensor.RawTensor {
	return stateDictOf(p.w, p.u, p.b)
}

// LoadStateDict loads "w", "u" and "b".
func (p *Planar[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, param := range p.Parameters() {
		if err := loadParam(param, stateDict); err != nil {
			return errors.Wrap(err, "planar flow")
		}
	}
	return nil
}
