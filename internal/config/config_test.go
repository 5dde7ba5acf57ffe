package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/flowvae/internal/config"
	"github.com/born-ml/flowvae/internal/flow"
	"github.com/born-ml/flowvae/internal/vae"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	model, err := cfg.VAE()
	require.NoError(t, err)
	assert.Nil(t, model.Flow)
	assert.Equal(t, vae.Literal, model.Parameterization)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowvae.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[model]
latent_dim = 4
parameterization = "scale"

[flow]
blocks = ["planar", "radial"]
length = 3
exact_radial_det = true

[train]
epochs = 2
`), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 4, cfg.Model.LatentDim)
	assert.Equal(t, 2, cfg.Train.Epochs)
	assert.Equal(t, 128, cfg.Train.BatchSize, "unset keys keep defaults")

	model, err := cfg.VAE()
	require.NoError(t, err)
	require.NotNil(t, model.Flow)
	assert.Equal(t, []flow.Kind{flow.KindPlanar, flow.KindRadial}, model.Flow.Blocks)
	assert.Equal(t, 3, model.Flow.Length)
	assert.True(t, model.Flow.ExactRadialDet)
	assert.Equal(t, vae.Scale, model.Parameterization)
}

func TestLoadFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[model\n"), 0o644))
	_, err = config.Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowvae.toml")
	require.NoError(t, os.WriteFile(path, []byte("[train]\nepochs = 2\n"), 0o644))

	t.Setenv("FLOWVAE_EPOCHS", "7")
	t.Setenv("FLOWVAE_LR", "'0.01'")
	t.Setenv("FLOWVAE_FLOW", "radial, planar")
	t.Setenv("FLOWVAE_FLOW_LENGTH", "2")
	t.Setenv("FLOWVAE_SYNTHETIC", "true")
	t.Setenv("FLOWVAE_SEED", "42")
	t.Setenv("FLOWVAE_DEBUG", "1")
	t.Setenv("FLOWVAE_BATCH_SIZE", "not-a-number")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Train.Epochs)
	assert.InDelta(t, 0.01, cfg.Train.LR, 1e-12)
	assert.Equal(t, []string{"radial", "planar"}, cfg.Flow.Blocks)
	assert.Equal(t, 2, cfg.Flow.Length)
	assert.True(t, cfg.Data.Synthetic)
	assert.Equal(t, uint64(42), cfg.Model.Seed)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 128, cfg.Train.BatchSize, "invalid values are ignored")

	vals := cfg.Values()
	assert.Equal(t, "7", vals["FLOWVAE_EPOCHS"])
	assert.Equal(t, "true", vals["FLOWVAE_DEBUG"])
}

func TestAsMap(t *testing.T) {
	m := config.Default().AsMap()
	names := config.EnvNames()
	assert.Len(t, m, len(names))
	for _, name := range names {
		v, ok := m[name]
		require.True(t, ok, name)
		assert.Equal(t, name, v.Name)
		assert.NotEmpty(t, v.Description, name)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"epochs", func(c *config.Config) { c.Train.Epochs = 0 }},
		{"batch", func(c *config.Config) { c.Train.BatchSize = -1 }},
		{"lr", func(c *config.Config) { c.Train.LR = 0 }},
		{"eval ratio", func(c *config.Config) { c.Train.EvalRatio = 1 }},
		{"synthetic samples", func(c *config.Config) { c.Data.Synthetic = true; c.Data.SyntheticSamples = 0 }},
		{"level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"flow kind", func(c *config.Config) { c.Flow.Blocks = []string{"sylvester"} }},
		{"flow length", func(c *config.Config) { c.Flow.Blocks = []string{"planar"}; c.Flow.Length = 0 }},
		{"likelihood", func(c *config.Config) { c.Model.Likelihood = "gaussian" }},
		{"latent", func(c *config.Config) { c.Model.LatentDim = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Flow.Blocks = []string{"planar"}
	cfg.Model.Seed = 9

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, cfg.Encode(path))

	var loaded config.Config
	require.NoError(t, loaded.DecodeFile(path))
	assert.Equal(t, cfg, loaded)
	assert.Contains(t, cfg.String(), "[flow]")
}

func TestParseLevel(t *testing.T) {
	level, err := config.ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = config.ParseLevel("chatty")
	assert.Error(t, err)
}

func TestTrainOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Train.Epochs = 3
	cfg.Train.LR = 0.5
	opts := cfg.TrainOptions()
	assert.Equal(t, 3, opts.Epochs)
	assert.Equal(t, float32(0.5), opts.LR)
	assert.True(t, opts.Anneal)
}
