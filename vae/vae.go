// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package vae provides a variational autoencoder with an optional
// normalizing-flow posterior.
//
// Example:
//
//	backend := autodiff.New(cpu.New())
//
//	cfg := vae.DefaultConfig()
//	cfg.Flow = &vae.FlowConfig{Blocks: []flow.Kind{flow.KindPlanar}, Length: 8}
//
//	model, err := vae.NewModel(cfg, backend)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	loss, err := model.Loss(x, 1) // x: [batch, 784] in [0, 1]
package vae

import (
	"github.com/born-ml/born/tensor"

	"github.com/born-ml/flowvae/internal/vae"
)

type (
	Likelihood       = vae.Likelihood
	Parameterization = vae.Parameterization
	Config           = vae.Config
	FlowConfig       = vae.FlowConfig
	Noise            = vae.Noise
)

const (
	Bernoulli   = vae.Bernoulli
	Categorical = vae.Categorical

	Literal = vae.Literal
	Scale   = vae.Scale

	SigmaMin = vae.SigmaMin
	SigmaMax = vae.SigmaMax
)

// ErrShape is returned when inputs do not match the model dimensions.
var ErrShape = vae.ErrShape

// Model is a VAE with an optional flow on the posterior sample.
type Model[B tensor.Backend] = vae.Model[B]

// Latent is the result of one reparameterized draw.
type Latent[B tensor.Backend] = vae.Latent[B]

// Loss holds the weighted objective and its parts.
type Loss[B tensor.Backend] = vae.Loss[B]

// DefaultConfig returns an MNIST-sized plain VAE configuration.
func DefaultConfig() Config {
	return vae.DefaultConfig()
}

// NewModel builds a model from cfg.
func NewModel[B tensor.Backend](cfg Config, backend B) (*Model[B], error) {
	return vae.NewModel(cfg, backend)
}

// NewNoise returns a seeded standard normal source.
func NewNoise(seed uint64) *Noise {
	return vae.NewNoise(seed)
}

// KL is the closed-form regularizer of a plain VAE.
func KL[B tensor.Backend](mu, sigma *tensor.Tensor[float32, B], p Parameterization) *tensor.Tensor[float32, B] {
	return vae.KL(mu, sigma, p)
}

// BitsPerDim converts a per-sample loss in nats to bits per input dimension.
func BitsPerDim(nats float64, inputDim int) float64 {
	return vae.BitsPerDim(nats, inputDim)
}

// FreeEnergy is the regularizer of a flow-mode VAE.
func FreeEnergy[B tensor.Backend](
	mu, sigma, z0, zk *tensor.Tensor[float32, B],
	trace []*tensor.Tensor[float32, B],
	p Parameterization,
) *tensor.Tensor[float32, B] {
	return vae.FreeEnergy(mu, sigma, z0, zk, trace, p)
}
