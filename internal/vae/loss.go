package vae

import (
	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/ops"
)

// Loss is the training objective for one batch. All fields are [1, 1].
type Loss[B tensor.Backend] struct {
	Total *tensor.Tensor[float32, B] // Recon + beta*Reg
	Recon *tensor.Tensor[float32, B]
	Reg   *tensor.Tensor[float32, B]
}

// Loss encodes x, draws a latent, decodes it and combines the reconstruction
// loss with the latent regularization weighted by beta.
func (m *Model[B]) Loss(x *tensor.Tensor[float32, B], beta float32) (*Loss[B], error) {
	return m.LossFrom(x, beta, m.noise)
}

// LossFrom is Loss with the latent noise drawn from noise. Evaluation uses it
// so scoring held-out data does not shift the training noise stream.
func (m *Model[B]) LossFrom(x *tensor.Tensor[float32, B], beta float32, noise *Noise) (*Loss[B], error) {
	mu, sigma, err := m.Encode(x)
	if err != nil {
		return nil, err
	}
	lat, err := m.LatentFrom(mu, sigma, noise)
	if err != nil {
		return nil, err
	}
	logits, err := m.Decode(lat.Z)
	if err != nil {
		return nil, err
	}
	recon, err := m.ReconstructionLoss(logits, x)
	if err != nil {
		return nil, err
	}
	return &Loss[B]{
		Total: recon.Add(ops.Scalar(beta, m.backend).Mul(lat.Reg)),
		Recon: recon,
		Reg:   lat.Reg,
	}, nil
}

// ReconstructionLoss returns the negative log-likelihood of x under the
// decoder logits, summed over pixels and averaged over the batch.
func (m *Model[B]) ReconstructionLoss(logits, x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	if err := m.checkInput(x); err != nil {
		return nil, err
	}
	batch := x.Shape()[0]
	if want := (tensor.Shape{batch, m.cfg.OutputDim()}); !logits.Shape().Equal(want) {
		return nil, errors.Wrapf(ErrShape, "logits: expected %v, got %v", want, logits.Shape())
	}

	if m.cfg.Likelihood == Categorical {
		return m.categoricalLoss(logits, x)
	}
	return m.bernoulliLoss(logits, x), nil
}

// bernoulliLoss is -sum(x*log(p) + (1-x)*log(1-p)) / batch with p = sigmoid(logits).
func (m *Model[B]) bernoulliLoss(logits, x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	one := ops.Scalar(1, m.backend)
	p := m.sigmoid.Forward(logits)

	ll := x.Mul(ops.LogEps(p)).Add(one.Sub(x).Mul(ops.LogEps(one.Sub(p))))
	batch := float32(ops.Rows(x))
	return ops.Total(ll).Mul(ops.Scalar(-1/batch, m.backend))
}

// categoricalLoss quantizes x into NumClasses levels and applies softmax
// cross-entropy per pixel. The mean over pixels is scaled by InputDim so the
// result is a per-sample sum like the Bernoulli loss.
func (m *Model[B]) categoricalLoss(logits, x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	batch := x.Shape()[0]
	pixels := batch * m.cfg.InputDim

	targets, err := tensor.FromSlice(Quantize(x.Data(), m.cfg.NumClasses), tensor.Shape{pixels}, m.backend)
	if err != nil {
		return nil, errors.Wrap(err, "vae: categorical targets")
	}

	flat := logits.Reshape(pixels, m.cfg.NumClasses)
	mean := nn.NewCrossEntropyLoss(m.backend).Forward(flat, targets).Reshape(1, 1)
	return mean.Mul(ops.Scalar(float32(m.cfg.InputDim), m.backend)), nil
}

// Quantize maps intensities in [0, 1] to class indices in [0, classes-1].
func Quantize(values []float32, classes int) []int32 {
	levels := float32(classes - 1)
	out := make([]int32, len(values))
	for i, v := range values {
		switch {
		case v <= 0:
			out[i] = 0
		case v >= 1:
			out[i] = int32(classes - 1)
		default:
			out[i] = int32(v*levels + 0.5)
		}
	}
	return out
}
