package vae

import (
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/flow"
)

// Likelihood selects the reconstruction loss.
type Likelihood string

// Supported likelihoods.
const (
	// Bernoulli treats each pixel as an independent Bernoulli variable and
	// uses binary cross-entropy on sigmoid outputs.
	Bernoulli Likelihood = "bernoulli"

	// Categorical quantizes each pixel into NumClasses levels and uses
	// softmax cross-entropy over NumClasses logits per pixel.
	Categorical Likelihood = "categorical"
)

// Parameterization selects how sigma enters the latent regularization.
type Parameterization string

// Supported parameterizations.
const (
	// Literal uses kl = -0.5*sum(1 + sigma - mu^2 - exp(sigma))/batch and
	// log_q = -0.5*(log(sigma) + (z0-mu)^2/sigma). It treats sigma as a
	// log-variance in the KL and as a variance in log_q.
	Literal Parameterization = "literal"

	// Scale treats sigma as a standard deviation:
	// kl = -0.5*sum(1 + log(sigma^2) - mu^2 - sigma^2)/batch and
	// log_q = -0.5*(log(sigma^2) + (z0-mu)^2/sigma^2).
	Scale Parameterization = "scale"
)

// Sigma bounds applied after softplus.
const (
	SigmaMin = 1e-4
	SigmaMax = 5.0
)

// Config describes a model. Flow is nil for a plain VAE.
type Config struct {
	InputDim  int
	HiddenDim int
	LatentDim int

	Likelihood Likelihood
	NumClasses int // levels per pixel, categorical only

	Parameterization Parameterization

	Flow *FlowConfig

	// Seed drives parameter initialization of the flows and the
	// reparameterization noise.
	Seed uint64
}

// FlowConfig describes the flow sequence applied to the posterior draw.
type FlowConfig struct {
	Blocks         []flow.Kind
	Length         int
	ExactRadialDet bool
}

// DefaultConfig returns an MNIST-sized plain model.
func DefaultConfig() Config {
	return Config{
		InputDim:         784,
		HiddenDim:        256,
		LatentDim:        2,
		Likelihood:       Bernoulli,
		NumClasses:       2,
		Parameterization: Literal,
		Seed:             1,
	}
}

// OutputDim is the decoder output width.
func (c Config) OutputDim() int {
	if c.Likelihood == Categorical {
		return c.InputDim * c.NumClasses
	}
	return c.InputDim
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.InputDim <= 0:
		return errors.Errorf("vae: input dim must be positive, got %d", c.InputDim)
	case c.HiddenDim <= 0:
		return errors.Errorf("vae: hidden dim must be positive, got %d", c.HiddenDim)
	case c.LatentDim <= 0:
		return errors.Errorf("vae: latent dim must be positive, got %d", c.LatentDim)
	}

	switch c.Likelihood {
	case Bernoulli:
	case Categorical:
		if c.NumClasses < 2 {
			return errors.Errorf("vae: categorical likelihood needs at least 2 classes, got %d", c.NumClasses)
		}
	default:
		return errors.Errorf("vae: unknown likelihood %q", c.Likelihood)
	}

	switch c.Parameterization {
	case Literal, Scale:
	default:
		return errors.Errorf("vae: unknown parameterization %q", c.Parameterization)
	}

	if c.Flow != nil {
		if len(c.Flow.Blocks) == 0 || c.Flow.Length <= 0 {
			return errors.Wrapf(flow.ErrNoBlocks, "vae: %d blocks x %d", len(c.Flow.Blocks), c.Flow.Length)
		}
	}
	return nil
}
