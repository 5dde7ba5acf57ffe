package checkpoint_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/backend/cpu"
	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/flowvae/internal/checkpoint"
	"github.com/born-ml/flowvae/internal/config"
	"github.com/born-ml/flowvae/internal/dataset"
	"github.com/born-ml/flowvae/internal/vae"
)

func smallConfig() config.Config {
	cfg := config.Default()
	cfg.Model.InputDim = 9
	cfg.Model.HiddenDim = 5
	cfg.Model.LatentDim = 2
	cfg.Flow.Blocks = []string{"planar", "radial"}
	cfg.Flow.Length = 2
	return cfg
}

func TestSaveLoadRoundTrip(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := smallConfig()
	modelCfg, err := cfg.VAE()
	require.NoError(t, err)
	model, err := vae.NewModel(modelCfg, backend)
	require.NoError(t, err)
	trained := shifted(t, model.StateDict(), 0.5)
	require.NoError(t, model.LoadStateDict(trained))

	dir := checkpoint.EpochDir(t.TempDir(), 3)
	runID := checkpoint.NewRunID()
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, checkpoint.Save(dir, model, cfg, checkpoint.Info{
		RunID:      runID,
		Epoch:      3,
		Created:    created,
		BitsPerDim: 0.25,
	}))

	assert.FileExists(t, filepath.Join(dir, checkpoint.WeightsFile))
	assert.FileExists(t, filepath.Join(dir, checkpoint.ConfigFile))
	assert.Equal(t, "epoch-003", filepath.Base(dir))

	loaded, loadedCfg, info, err := checkpoint.Load(dir, autodiff.New(cpu.New()))
	require.NoError(t, err)

	assert.Equal(t, cfg, loadedCfg)
	assert.Equal(t, runID, info.RunID)
	assert.Equal(t, 3, info.Epoch)
	assert.True(t, created.Equal(info.Created))
	assert.Equal(t, "[planar,radial]x2", info.Flow)
	assert.InDelta(t, 0.25, info.BitsPerDim, 1e-9)
	assert.True(t, loaded.HasFlow())

	fresh, err := vae.NewModel(modelCfg, autodiff.New(cpu.New()))
	require.NoError(t, err)
	freshDict := fresh.StateDict()
	loadedDict := loaded.StateDict()
	require.Len(t, loadedDict, len(trained))
	for name, raw := range trained {
		require.Contains(t, loadedDict, name)
		assert.Equal(t, raw.Shape(), loadedDict[name].Shape(), name)
		assert.Equal(t, raw.AsFloat32(), loadedDict[name].AsFloat32(), name)
		assert.NotEqual(t, freshDict[name].AsFloat32(), loadedDict[name].AsFloat32(), name)
	}

	x, err := dataset.FromRows([][]float32{{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}}, model.Backend())
	require.NoError(t, err)
	y, err := dataset.FromRows([][]float32{{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}}, loaded.Backend())
	require.NoError(t, err)
	assert.Equal(t, model.Forward(x).Data(), loaded.Forward(y).Data())
}

func TestLoadMissing(t *testing.T) {
	_, _, _, err := checkpoint.Load(t.TempDir(), autodiff.New(cpu.New()))
	assert.Error(t, err)
}

func TestLoadMismatchedConfig(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := smallConfig()
	modelCfg, err := cfg.VAE()
	require.NoError(t, err)
	model, err := vae.NewModel(modelCfg, backend)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, checkpoint.Save(dir, model, cfg, checkpoint.Info{RunID: "r"}))

	// Rewrite the sidecar with a different latent size.
	cfg.Model.LatentDim = 3
	require.NoError(t, cfg.Encode(filepath.Join(dir, checkpoint.ConfigFile)))

	_, _, _, err = checkpoint.Load(dir, autodiff.New(cpu.New()))
	assert.Error(t, err)
}

func TestNewRunID(t *testing.T) {
	a, b := checkpoint.NewRunID(), checkpoint.NewRunID()
	assert.NotEqual(t, a, b)
	_, err := uuid.Parse(a)
	assert.NoError(t, err)
}

func TestSaveCreatesDir(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := config.Default()
	cfg.Model.InputDim = 4
	cfg.Model.HiddenDim = 3
	modelCfg, err := cfg.VAE()
	require.NoError(t, err)
	model, err := vae.NewModel(modelCfg, backend)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "nested", "run")
	require.NoError(t, checkpoint.Save(dir, model, cfg, checkpoint.Info{}))
	_, err = os.Stat(dir)
	assert.NoError(t, err)

	_, _, info, err := checkpoint.Load(dir, autodiff.New(cpu.New()))
	require.NoError(t, err)
	assert.Equal(t, "none", info.Flow)
}

// shifted returns a copy of stateDict with delta added to every value.
func shifted(t *testing.T, stateDict map[string]*tensor.RawTensor, delta float32) map[string]*tensor.RawTensor {
	t.Helper()
	out := make(map[string]*tensor.RawTensor, len(stateDict))
	for name, raw := range stateDict {
		cp, err := tensor.NewRaw(raw.Shape(), tensor.Float32, tensor.CPU)
		require.NoError(t, err)
		for i, v := range raw.AsFloat32() {
			cp.AsFloat32()[i] = v + delta
		}
		out[name] = cp
	}
	return out
}

func weights(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	w, err := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(w.AsFloat32(), []float32{1, -2, 3.5, 0, 1e-7, -1e7})
	b, err := tensor.NewRaw(tensor.Shape{3}, tensor.Float32, tensor.CPU)
	require.NoError(t, err)
	copy(b.AsFloat32(), []float32{0.25, 0.5, 0.75})
	return map[string]*tensor.RawTensor{"layer.weight": w, "layer.bias": b}
}

func TestWeightsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteWeights(&buf, weights(t), "Test", map[string]string{"k": "v"}))

	data := buf.Bytes()
	require.Equal(t, "BORN", string(data[:4]))

	got, header, err := checkpoint.ReadWeights(bytes.NewReader(data), tensor.CPU)
	require.NoError(t, err)
	assert.Equal(t, 1, header.FormatVersion)
	assert.Equal(t, "Test", header.ModelType)
	assert.Equal(t, map[string]string{"k": "v"}, header.Metadata)
	require.Len(t, header.Tensors, 2)
	assert.Equal(t, "layer.bias", header.Tensors[0].Name)
	assert.Equal(t, int64(12), header.Tensors[1].Offset)

	// Tensor data starts on a 64-byte boundary.
	assert.Zero(t, (len(data)-4*(2*3+3))%64)

	for name, want := range weights(t) {
		require.Contains(t, got, name)
		assert.Equal(t, want.Shape(), got[name].Shape())
		assert.Equal(t, want.AsFloat32(), got[name].AsFloat32())
	}
}

func TestReadWeightsCorrupt(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, checkpoint.WriteWeights(&buf, weights(t), "Test", nil))
	valid := buf.Bytes()

	badVersion := append([]byte(nil), valid...)
	badVersion[4] = 9

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short magic", []byte("BO")},
		{"wrong magic", append([]byte("NROB"), valid[4:]...)},
		{"version", badVersion},
		{"truncated header", valid[:30]},
		{"truncated data", valid[:len(valid)-1]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := checkpoint.ReadWeights(bytes.NewReader(tt.data), tensor.CPU)
			assert.ErrorIs(t, err, checkpoint.ErrFormat)
		})
	}
}

func TestLoadRejectsForeignWeights(t *testing.T) {
	backend := autodiff.New(cpu.New())
	cfg := smallConfig()
	modelCfg, err := cfg.VAE()
	require.NoError(t, err)
	model, err := vae.NewModel(modelCfg, backend)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, checkpoint.Save(dir, model, cfg, checkpoint.Info{}))

	f, err := os.Create(filepath.Join(dir, checkpoint.WeightsFile))
	require.NoError(t, err)
	require.NoError(t, checkpoint.WriteWeights(f, weights(t), checkpoint.ModelType, nil))
	require.NoError(t, f.Close())

	_, _, _, err = checkpoint.Load(dir, autodiff.New(cpu.New()))
	assert.Error(t, err)
}
