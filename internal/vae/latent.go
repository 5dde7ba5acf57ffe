package vae

import (
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/flow"
	"github.com/born-ml/flowvae/internal/ops"
)

// Latent is the result of one reparameterized draw.
type Latent[B tensor.Backend] struct {
	// Z is the latent fed to the decoder: z0 in plain mode, zk in flow mode.
	Z *tensor.Tensor[float32, B]

	// Z0 is the base draw sigma*eps + mu.
	Z0 *tensor.Tensor[float32, B]

	// Reg is the latent regularization as a [1, 1] tensor: the KL term in
	// plain mode, the flow free energy in flow mode.
	Reg *tensor.Tensor[float32, B]

	// Trace holds per-flow log-determinants. Nil in plain mode.
	Trace []*tensor.Tensor[float32, B]
}

// Latent draws eps from the model's noise source and calls LatentWithNoise.
func (m *Model[B]) Latent(mu, sigma *tensor.Tensor[float32, B]) (*Latent[B], error) {
	return m.LatentFrom(mu, sigma, m.noise)
}

// LatentFrom is Latent with eps drawn from noise instead of the model's own
// stream, which is left untouched.
func (m *Model[B]) LatentFrom(mu, sigma *tensor.Tensor[float32, B], noise *Noise) (*Latent[B], error) {
	eps := m.standardNormal(mu.Shape(), noise)
	return m.LatentWithNoise(mu, sigma, eps)
}

// LatentWithNoise computes z = sigma*eps + mu and the latent regularization.
// In flow mode z is pushed through the flow sequence.
func (m *Model[B]) LatentWithNoise(mu, sigma, eps *tensor.Tensor[float32, B]) (*Latent[B], error) {
	if err := m.checkLatent(mu, sigma, eps); err != nil {
		return nil, err
	}

	z0 := sigma.Mul(eps).Add(mu)
	if m.flows == nil {
		return &Latent[B]{
			Z:   z0,
			Z0:  z0,
			Reg: KL(mu, sigma, m.cfg.Parameterization),
		}, nil
	}

	zk, trace, err := m.flows.Forward(z0)
	if err != nil {
		return nil, errors.Wrap(err, "vae: flow")
	}
	return &Latent[B]{
		Z:     zk,
		Z0:    z0,
		Reg:   FreeEnergy(mu, sigma, z0, zk, trace, m.cfg.Parameterization),
		Trace: trace,
	}, nil
}

func (m *Model[B]) checkLatent(mu, sigma, eps *tensor.Tensor[float32, B]) error {
	want := tensor.Shape{0, m.cfg.LatentDim}
	shape := mu.Shape()
	if len(shape) != 2 || shape[1] != m.cfg.LatentDim {
		return errors.Wrapf(ErrShape, "mu: expected [batch, %d], got %v", m.cfg.LatentDim, shape)
	}
	want[0] = shape[0]
	if !sigma.Shape().Equal(want) {
		return errors.Wrapf(ErrShape, "sigma: expected %v, got %v", want, sigma.Shape())
	}
	if !eps.Shape().Equal(want) {
		return errors.Wrapf(ErrShape, "eps: expected %v, got %v", want, eps.Shape())
	}
	return nil
}

// KL returns the closed-form regularizer against a standard normal prior,
// averaged over the batch, as a [1, 1] tensor.
//
// Literal: -0.5 * sum(1 + sigma - mu^2 - exp(sigma)) / batch.
// Scale:   -0.5 * sum(1 + log(sigma^2) - mu^2 - sigma^2) / batch.
func KL[B tensor.Backend](mu, sigma *tensor.Tensor[float32, B], p Parameterization) *tensor.Tensor[float32, B] {
	backend := mu.Backend()
	one := ops.Scalar(1, backend)

	var inner *tensor.Tensor[float32, B]
	switch p {
	case Scale:
		variance := ops.Square(sigma)
		inner = one.Add(ops.LogEps(variance)).Sub(ops.Square(mu)).Sub(variance)
	default:
		inner = one.Add(sigma).Sub(ops.Square(mu)).Sub(sigma.Exp())
	}

	batch := float32(ops.Rows(mu))
	return ops.Total(inner).Mul(ops.Scalar(-0.5/batch, backend))
}

// FreeEnergy returns the flow-mode regularizer as a [1, 1] tensor:
//
//	(sum(log_q(z0) - log_p(zk)) - sum(trace)) / batch
//
// with log_p(zk) = -0.5*zk^2 and log_q as selected by p.
func FreeEnergy[B tensor.Backend](
	mu, sigma, z0, zk *tensor.Tensor[float32, B],
	trace []*tensor.Tensor[float32, B],
	p Parameterization,
) *tensor.Tensor[float32, B] {
	backend := mu.Backend()
	half := ops.Scalar(-0.5, backend)

	logP := half.Mul(ops.Square(zk))

	diff2 := ops.Square(z0.Sub(mu))
	var logQ *tensor.Tensor[float32, B]
	switch p {
	case Scale:
		variance := ops.Square(sigma)
		logQ = half.Mul(ops.LogEps(variance).Add(diff2.Div(variance)))
	default:
		logQ = half.Mul(ops.LogEps(sigma).Add(diff2.Div(sigma)))
	}

	logs := ops.Total(logQ.Sub(logP)).Sub(flow.SumLogDet(trace, backend))
	batch := float32(ops.Rows(mu))
	return logs.Mul(ops.Scalar(1/batch, backend))
}
