// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package vae_test

import (
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/flowvae/flow"
	"github.com/born-ml/flowvae/vae"
)

func TestPublicModel(t *testing.T) {
	backend := autodiff.New(cpu.New())

	cfg := vae.DefaultConfig()
	cfg.InputDim = 4
	cfg.HiddenDim = 3
	cfg.Flow = &vae.FlowConfig{Blocks: []flow.Kind{flow.KindPlanar}, Length: 2}

	model, err := vae.NewModel(cfg, backend)
	require.NoError(t, err)
	assert.True(t, model.HasFlow())

	x, err := tensor.FromSlice([]float32{0, 1, 1, 0, 1, 0, 0, 1}, tensor.Shape{2, 4}, backend)
	require.NoError(t, err)
	loss, err := model.Loss(x, 1)
	require.NoError(t, err)
	total := float64(loss.Total.Data()[0])
	assert.False(t, math.IsNaN(total) || math.IsInf(total, 0))

	bad, err := tensor.FromSlice([]float32{1, 2}, tensor.Shape{1, 2}, backend)
	require.NoError(t, err)
	_, _, err = model.Encode(bad)
	assert.ErrorIs(t, err, vae.ErrShape)
}
