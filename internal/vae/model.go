// Package vae implements a variational autoencoder whose approximate
// posterior can be refined by a normalizing flow sequence.
//
// The model runs in one of two modes, chosen at construction:
//   - plain: z = sigma*eps + mu, regularized by a closed-form KL term
//   - flow:  z0 = sigma*eps + mu is pushed through a flow.Sequence and the
//     regularizer is the change-of-variables free energy
//
// Like the flow package, the model expects an autodiff-wrapped backend.
package vae

import (
	"math"
	"strings"

	"github.com/born-ml/born/nn"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"

	"github.com/born-ml/flowvae/internal/flow"
	"github.com/born-ml/flowvae/internal/ops"
	"github.com/born-ml/flowvae/internal/parallel"
)

// ErrShape is returned when inputs do not match the model dimensions.
var ErrShape = errors.New("vae: shape mismatch")

// Model is a VAE with an optional flow on the posterior sample.
type Model[B tensor.Backend] struct {
	cfg     Config
	backend B

	encHidden *nn.Linear[B]
	encMu     *nn.Linear[B]
	encSigma  *nn.Linear[B]
	decHidden *nn.Linear[B]
	decOut    *nn.Linear[B]
	relu      *nn.ReLU[B]
	sigmoid   *nn.Sigmoid[B]

	// flows is nil in plain mode.
	flows *flow.Sequence[B]
	noise *Noise
}

// NewModel builds a model from cfg.
func NewModel[B tensor.Backend](cfg Config, backend B) (*Model[B], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Model[B]{
		cfg:       cfg,
		backend:   backend,
		encHidden: nn.NewLinear(cfg.InputDim, cfg.HiddenDim, backend),
		encMu:     nn.NewLinear(cfg.HiddenDim, cfg.LatentDim, backend),
		encSigma:  nn.NewLinear(cfg.HiddenDim, cfg.LatentDim, backend),
		decHidden: nn.NewLinear(cfg.LatentDim, cfg.HiddenDim, backend),
		decOut:    nn.NewLinear(cfg.HiddenDim, cfg.OutputDim(), backend),
		relu:      nn.NewReLU[B](),
		sigmoid:   nn.NewSigmoid[B](),
		noise:     NewNoise(cfg.Seed),
	}

	if cfg.Flow != nil {
		opts := flow.Options{
			Src:            rand.NewSource(cfg.Seed + 1),
			ExactRadialDet: cfg.Flow.ExactRadialDet,
		}
		seq, err := flow.NewSequence(cfg.LatentDim, cfg.Flow.Blocks, cfg.Flow.Length, backend, opts)
		if err != nil {
			return nil, errors.Wrap(err, "vae: build flow")
		}
		m.flows = seq
	}
	return m, nil
}

// Config returns the model configuration.
func (m *Model[B]) Config() Config { return m.cfg }

// Backend returns the backend the model computes on.
func (m *Model[B]) Backend() B { return m.backend }

// Flows returns the flow sequence, or nil in plain mode.
func (m *Model[B]) Flows() *flow.Sequence[B] { return m.flows }

// HasFlow reports whether the model runs in flow mode.
func (m *Model[B]) HasFlow() bool { return m.flows != nil }

// Noise returns the model's reparameterization noise source.
func (m *Model[B]) Noise() *Noise { return m.noise }

// Encode maps x [batch, input] to mu and sigma, both [batch, latent].
// sigma = clamp(softplus(.), SigmaMin, SigmaMax).
func (m *Model[B]) Encode(x *tensor.Tensor[float32, B]) (mu, sigma *tensor.Tensor[float32, B], err error) {
	if err := m.checkInput(x); err != nil {
		return nil, nil, err
	}
	h := m.relu.Forward(m.encHidden.Forward(x))
	mu = m.encMu.Forward(h)
	sigma = ops.Clamp(ops.Softplus(m.encSigma.Forward(h)), SigmaMin, SigmaMax)
	return mu, sigma, nil
}

// Decode maps z [batch, latent] to decoder logits [batch, OutputDim()].
func (m *Model[B]) Decode(z *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	if shape := z.Shape(); len(shape) != 2 || shape[1] != m.cfg.LatentDim {
		return nil, errors.Wrapf(ErrShape, "latent: expected [batch, %d], got %v", m.cfg.LatentDim, shape)
	}
	h := m.relu.Forward(m.decHidden.Forward(z))
	return m.decOut.Forward(h), nil
}

// Forward reconstructs x through the posterior mean, skipping the noise.
// Output pixels are in [0, 1]. It panics on shape mismatch.
func (m *Model[B]) Forward(x *tensor.Tensor[float32, B]) *tensor.Tensor[float32, B] {
	images, err := m.Reconstruct(x)
	if err != nil {
		panic(err.Error())
	}
	return images
}

// Reconstruct decodes the posterior mean of x. In flow mode the mean is pushed
// through the flow first.
func (m *Model[B]) Reconstruct(x *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	mu, _, err := m.Encode(x)
	if err != nil {
		return nil, err
	}
	z, err := m.Transform(mu)
	if err != nil {
		return nil, err
	}
	return m.Images(z)
}

// Transform maps a base latent z0 to z_K through the flow. In plain mode z0 is
// returned as is.
func (m *Model[B]) Transform(z0 *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	if m.flows == nil {
		return z0, nil
	}
	zk, _, err := m.flows.Forward(z0)
	return zk, err
}

// Images decodes z into pixel intensities in [0, 1]: sigmoid probabilities for
// the Bernoulli likelihood, the most likely level over NumClasses-1 for the
// categorical one.
func (m *Model[B]) Images(z *tensor.Tensor[float32, B]) (*tensor.Tensor[float32, B], error) {
	logits, err := m.Decode(z)
	if err != nil {
		return nil, err
	}
	if m.cfg.Likelihood == Bernoulli {
		return m.sigmoid.Forward(logits), nil
	}

	batch := z.Shape()[0]
	classes := m.cfg.NumClasses
	data := logits.Data()
	out := make([]float32, batch*m.cfg.InputDim)
	parallel.Each(len(out), parallel.DefaultConfig(), func(i int) {
		levels := data[i*classes : (i+1)*classes]
		best := 0
		for c := 1; c < classes; c++ {
			if levels[c] > levels[best] {
				best = c
			}
		}
		out[i] = float32(best) / float32(classes-1)
	})
	return tensor.FromSlice(out, tensor.Shape{batch, m.cfg.InputDim}, m.backend)
}

// Sample decodes n draws from the standard normal prior taken from noise.
func (m *Model[B]) Sample(n int, noise *Noise) (*tensor.Tensor[float32, B], error) {
	if n <= 0 {
		return nil, errors.Errorf("vae: sample count must be positive, got %d", n)
	}
	z := m.standardNormal(tensor.Shape{n, m.cfg.LatentDim}, noise)
	return m.Images(z)
}

func (m *Model[B]) standardNormal(shape tensor.Shape, noise *Noise) *tensor.Tensor[float32, B] {
	data := make([]float32, shape.NumElements())
	noise.Fill(data)
	t, err := tensor.FromSlice(data, shape, m.backend)
	if err != nil {
		panic(errors.Wrap(err, "vae: allocate noise"))
	}
	return t
}

func (m *Model[B]) checkInput(x *tensor.Tensor[float32, B]) error {
	shape := x.Shape()
	if len(shape) != 2 || shape[1] != m.cfg.InputDim {
		return errors.Wrapf(ErrShape, "input: expected [batch, %d], got %v", m.cfg.InputDim, shape)
	}
	return nil
}

// Parameters returns encoder, decoder and flow parameters.
func (m *Model[B]) Parameters() []*nn.Parameter[B] {
	var params []*nn.Parameter[B]
	for _, l := range m.layers() {
		params = append(params, l.module.Parameters()...)
	}
	if m.flows != nil {
		params = append(params, m.flows.Parameters()...)
	}
	return params
}

type namedLayer[B tensor.Backend] struct {
	prefix string
	module *nn.Linear[B]
}

func (m *Model[B]) layers() []namedLayer[B] {
	return []namedLayer[B]{
		{"encoder.hidden", m.encHidden},
		{"encoder.mu", m.encMu},
		{"encoder.sigma", m.encSigma},
		{"decoder.hidden", m.decHidden},
		{"decoder.out", m.decOut},
	}
}

// StateDict returns all parameters keyed by dotted path, for example
// "encoder.mu.weight" or "flow.2.alpha".
func (m *Model[B]) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for _, l := range m.layers() {
		for name, raw := range l.module.StateDict() {
			stateDict[l.prefix+"."+name] = raw
		}
	}
	if m.flows != nil {
		for name, raw := range m.flows.StateDict() {
			stateDict["flow."+name] = raw
		}
	}
	return stateDict
}

// LoadStateDict loads parameters saved by StateDict.
func (m *Model[B]) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	for _, l := range m.layers() {
		if err := l.module.LoadStateDict(subDict(stateDict, l.prefix+".")); err != nil {
			return errors.Wrap(err, l.prefix)
		}
	}
	if m.flows != nil {
		if err := m.flows.LoadStateDict(subDict(stateDict, "flow.")); err != nil {
			return errors.Wrap(err, "flow")
		}
	}
	return nil
}

func subDict(stateDict map[string]*tensor.RawTensor, prefix string) map[string]*tensor.RawTensor {
	sub := make(map[string]*tensor.RawTensor)
	for key, raw := range stateDict {
		if name, ok := strings.CutPrefix(key, prefix); ok {
			sub[name] = raw
		}
	}
	return sub
}

// BitsPerDim converts a per-sample negative log-likelihood bound in nats to
// bits per input dimension.
func BitsPerDim(nats float64, inputDim int) float64 {
	return nats / (float64(inputDim) * math.Ln2)
}
