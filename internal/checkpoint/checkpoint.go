// Package checkpoint saves and restores trained models.
//
// A checkpoint is a directory holding the weights in Born's .born format and
// the configuration that built the model as TOML:
//
//	<dir>/model.born
//	<dir>/config.toml
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/born-ml/born/tensor"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/config"
	"github.com/born-ml/flowvae/internal/vae"
)

const (
	WeightsFile = "model.born"
	ConfigFile  = "config.toml"

	// ModelType is recorded in the .born header.
	ModelType = "FlowVAE"
)

// Metadata keys written into the .born header.
const (
	KeyRunID      = "run_id"
	KeyEpoch      = "epoch"
	KeyCreated    = "created"
	KeyFlow       = "flow"
	KeyBitsPerDim = "bits_per_dim"
)

// Info describes a saved checkpoint.
type Info struct {
	Dir        string
	RunID      string
	Epoch      int
	Created    time.Time
	Flow       string
	BitsPerDim float64
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// EpochDir returns the directory of an intermediate checkpoint under root.
func EpochDir(root string, epoch int) string {
	return filepath.Join(root, fmt.Sprintf("epoch-%03d", epoch))
}

// Save writes model weights and cfg into dir, creating it if needed.
func Save[B tensor.Backend](dir string, model *vae.Model[B], cfg config.Config, info Info) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if info.Created.IsZero() {
		info.Created = time.Now()
	}

	metadata := map[string]string{
		KeyRunID:   info.RunID,
		KeyEpoch:   strconv.Itoa(info.Epoch),
		KeyCreated: info.Created.UTC().Format(time.RFC3339),
		KeyFlow:    flowSummary(cfg),
	}
	if info.BitsPerDim > 0 {
		metadata[KeyBitsPerDim] = strconv.FormatFloat(info.BitsPerDim, 'f', 6, 64)
	}

	if err := writeWeightsFile(filepath.Join(dir, WeightsFile), model.StateDict(), ModelType, metadata); err != nil {
		return errors.Wrapf(err, "save weights to %s", dir)
	}
	if err := cfg.Encode(filepath.Join(dir, ConfigFile)); err != nil {
		return err
	}
	return nil
}

// Load rebuilds the model described by dir/config.toml on backend and loads
// its weights.
func Load[B tensor.Backend](dir string, backend B) (*vae.Model[B], config.Config, Info, error) {
	cfg := config.Default()
	if err := cfg.DecodeFile(filepath.Join(dir, ConfigFile)); err != nil {
		return nil, cfg, Info{}, err
	}
	modelCfg, err := cfg.VAE()
	if err != nil {
		return nil, cfg, Info{}, err
	}
	model, err := vae.NewModel(modelCfg, backend)
	if err != nil {
		return nil, cfg, Info{}, errors.Wrap(err, "rebuild model")
	}

	stateDict, header, err := readWeightsFile(filepath.Join(dir, WeightsFile), backend.Device())
	if err != nil {
		return nil, cfg, Info{}, errors.Wrapf(err, "load weights from %s", dir)
	}
	if header.ModelType != ModelType {
		return nil, cfg, Info{}, errors.Errorf("%s: model type %q, want %q", dir, header.ModelType, ModelType)
	}
	if err := checkComplete(model.StateDict(), stateDict); err != nil {
		return nil, cfg, Info{}, errors.Wrapf(err, "load weights from %s", dir)
	}
	if err := model.LoadStateDict(stateDict); err != nil {
		return nil, cfg, Info{}, errors.Wrapf(err, "load weights from %s", dir)
	}

	info := Info{
		Dir:   dir,
		RunID: header.Metadata[KeyRunID],
		Flow:  header.Metadata[KeyFlow],
	}
	if v, ok := header.Metadata[KeyEpoch]; ok {
		info.Epoch, _ = strconv.Atoi(v)
	}
	if v, ok := header.Metadata[KeyCreated]; ok {
		info.Created, _ = time.Parse(time.RFC3339, v)
	}
	if v, ok := header.Metadata[KeyBitsPerDim]; ok {
		info.BitsPerDim, _ = strconv.ParseFloat(v, 64)
	}
	return model, cfg, info, nil
}

// checkComplete reports parameters the model expects but the file lacks, and
// tensors the model has no place for.
func checkComplete(want, got map[string]*tensor.RawTensor) error {
	for name := range want {
		if _, ok := got[name]; !ok {
			return errors.Errorf("missing tensor %s", name)
		}
	}
	for name := range got {
		if _, ok := want[name]; !ok {
			return errors.Errorf("unexpected tensor %s", name)
		}
	}
	return nil
}

func flowSummary(cfg config.Config) string {
	if len(cfg.Flow.Blocks) == 0 {
		return "none"
	}
	return fmt.Sprintf("[%s]x%d", strings.Join(cfg.Flow.Blocks, ","), cfg.Flow.Length)
}
