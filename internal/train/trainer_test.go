package train_test

import (
	"bytes"
	"context"
	"math"
	"testing"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/born-ml/flowvae/internal/dataset"
	"github.com/born-ml/flowvae/internal/flow"
	"github.com/born-ml/flowvae/internal/train"
	"github.com/born-ml/flowvae/internal/vae"
)

type testBackend = *autodiff.Backend[*cpu.Backend]

func setup(t *testing.T, cfg vae.Config) (*vae.Model[testBackend], []*dataset.Batch[testBackend], []*dataset.Batch[testBackend]) {
	t.Helper()
	backend := autodiff.New(cpu.New())

	data := dataset.Synthetic(40, 4, 4, 2)
	trainSet, evalSet := data.Split(0.25)

	trainBatches, err := dataset.Batches(trainSet, 10, rand.NewSource(1), backend)
	require.NoError(t, err)
	evalBatches, err := dataset.Batches(evalSet, 10, nil, backend)
	require.NoError(t, err)

	cfg.InputDim = data.Dim()
	cfg.HiddenDim = 12
	cfg.LatentDim = 2
	model, err := vae.NewModel(cfg, backend)
	require.NoError(t, err)
	return model, trainBatches, evalBatches
}

func TestBeta(t *testing.T) {
	assert.Equal(t, 0.0, train.Beta(0, 5))
	assert.Equal(t, 0.5, train.Beta(2, 5))
	assert.Equal(t, 1.0, train.Beta(4, 5))
	assert.Equal(t, 1.0, train.Beta(0, 1))
	assert.Equal(t, 1.0, train.Beta(9, 5))
}

func TestNewValidatesOptions(t *testing.T) {
	model, _, _ := setup(t, vae.DefaultConfig())

	_, err := train.New(model, train.Options{Epochs: 0, LR: 1e-3})
	assert.Error(t, err)
	_, err = train.New(model, train.Options{Epochs: 1, LR: 0})
	assert.Error(t, err)
}

func TestFitReducesLoss(t *testing.T) {
	cfgs := map[string]vae.Config{
		"plain": vae.DefaultConfig(),
		"flow": func() vae.Config {
			cfg := vae.DefaultConfig()
			cfg.Flow = &vae.FlowConfig{Blocks: []flow.Kind{flow.KindPlanar, flow.KindRadial}, Length: 2}
			return cfg
		}(),
	}

	for name, cfg := range cfgs {
		t.Run(name, func(t *testing.T) {
			model, trainBatches, evalBatches := setup(t, cfg)

			var seen []int
			opts := train.Options{
				Epochs: 8,
				LR:     1e-2,
				Anneal: true,
				OnEpoch: func(row train.EpochStats) error {
					seen = append(seen, row.Epoch)
					return nil
				},
			}
			trainer, err := train.New(model, opts)
			require.NoError(t, err)

			before, err := trainer.Evaluate(context.Background(), evalBatches)
			require.NoError(t, err)

			history, err := trainer.Fit(context.Background(), trainBatches, evalBatches)
			require.NoError(t, err)
			require.Len(t, history, 8)
			assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, seen)

			assert.Equal(t, 0.0, history[0].Beta)
			assert.Equal(t, 1.0, history[7].Beta)
			assert.Equal(t, 30, history[0].Train.Samples)
			require.NotNil(t, history[7].Eval)
			assert.Equal(t, 10, history[7].Eval.Samples)

			assert.Less(t, history[7].Eval.Loss, before.Loss)
			assert.Less(t, history[7].Train.Recon, history[0].Train.Recon)
			assert.Greater(t, history[7].Train.BitsPerDim, 0.0)
		})
	}
}

func TestFitStopsOnCallbackError(t *testing.T) {
	model, trainBatches, _ := setup(t, vae.DefaultConfig())
	stop := errors.New("stop")

	trainer, err := train.New(model, train.Options{
		Epochs:  5,
		LR:      1e-3,
		OnEpoch: func(train.EpochStats) error { return stop },
	})
	require.NoError(t, err)

	history, err := trainer.Fit(context.Background(), trainBatches, nil)
	assert.ErrorIs(t, err, stop)
	assert.Len(t, history, 1)
	assert.Nil(t, history[0].Eval)
}

func TestFitHonorsContext(t *testing.T) {
	model, trainBatches, _ := setup(t, vae.DefaultConfig())
	trainer, err := train.New(model, train.DefaultOptions())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	history, err := trainer.Fit(ctx, trainBatches, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, history)

	_, err = trainer.Fit(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestEvaluateRestoresRecording(t *testing.T) {
	model, _, evalBatches := setup(t, vae.DefaultConfig())
	tape := model.Backend().Tape()

	tape.StartRecording()
	_, err := train.Evaluate(context.Background(), model, evalBatches)
	require.NoError(t, err)
	assert.True(t, tape.IsRecording())

	tape.StopRecording()
	_, err = train.Evaluate(context.Background(), model, evalBatches)
	require.NoError(t, err)
	assert.False(t, tape.IsRecording())
}

func TestEvaluateKeepsTrainingNoise(t *testing.T) {
	cfg := vae.DefaultConfig()
	cfg.Flow = &vae.FlowConfig{Blocks: []flow.Kind{flow.KindPlanar, flow.KindRadial}, Length: 1}
	model, trainBatches, evalBatches := setup(t, cfg)
	ref, refBatches, _ := setup(t, cfg)

	first, err := train.Evaluate(context.Background(), model, evalBatches)
	require.NoError(t, err)
	second, err := train.Evaluate(context.Background(), model, evalBatches)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = train.Project(context.Background(), model, evalBatches)
	require.NoError(t, err)

	// The next training draw matches a model that never evaluated.
	got, err := model.Loss(trainBatches[0].Images, 1)
	require.NoError(t, err)
	want, err := ref.Loss(refBatches[0].Images, 1)
	require.NoError(t, err)
	assert.Equal(t, want.Total.Data(), got.Total.Data())
}

func TestReport(t *testing.T) {
	history := []train.EpochStats{
		{Epoch: 1, Beta: 0, Train: train.Stats{Loss: 9}, Eval: &train.Stats{Loss: 8}},
		{Epoch: 2, Beta: 0.5, Train: train.Stats{Loss: 7}, Eval: &train.Stats{Loss: 6.5}},
		{Epoch: 3, Beta: 1, Train: train.Stats{Loss: 6}, Eval: &train.Stats{Loss: 7}},
	}

	best, ok := train.Best(history)
	require.True(t, ok)
	assert.Equal(t, 2, best.Epoch)

	trainLoss, evalLoss := train.Losses(history)
	assert.Equal(t, []float64{9, 7, 6}, trainLoss)
	assert.Equal(t, []float64{8, 6.5, 7}, evalLoss)

	var buf bytes.Buffer
	train.WriteTable(&buf, history)
	assert.Contains(t, buf.String(), "EVAL LOSS")
	assert.Contains(t, buf.String(), "6.5000")

	_, ok = train.Best(nil)
	assert.False(t, ok)
}

func TestProject(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		model, _, evalBatches := setup(t, vae.DefaultConfig())
		p, err := train.Project(context.Background(), model, evalBatches)
		require.NoError(t, err)
		assert.Len(t, p.Means, 10)
		assert.Len(t, p.Labels, 10)
		assert.Nil(t, p.LogDet)
	})

	t.Run("flow", func(t *testing.T) {
		cfg := vae.DefaultConfig()
		cfg.Flow = &vae.FlowConfig{Blocks: []flow.Kind{flow.KindPlanar}, Length: 3}
		model, _, evalBatches := setup(t, cfg)

		tape := model.Backend().Tape()
		tape.StartRecording()
		p, err := train.Project(context.Background(), model, evalBatches)
		require.NoError(t, err)
		assert.True(t, tape.IsRecording())

		assert.Len(t, p.Means, 10)
		require.Len(t, p.LogDet, 10)
		for _, v := range p.LogDet {
			assert.False(t, math.IsNaN(v))
		}
	})

	t.Run("canceled", func(t *testing.T) {
		model, _, evalBatches := setup(t, vae.DefaultConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := train.Project(ctx, model, evalBatches)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
