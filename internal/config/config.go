// Package config holds the flowvae configuration.
//
// Values are resolved in increasing precedence: built-in defaults, a TOML
// file, FLOWVAE_* environment variables, then command-line flags applied by
// the caller.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/flow"
	"github.com/born-ml/flowvae/internal/train"
	"github.com/born-ml/flowvae/internal/vae"
)

// Config is the TOML configuration structure.
type Config struct {
	Model  ModelConfig  `toml:"model"`
	Flow   FlowConfig   `toml:"flow"`
	Train  TrainConfig  `toml:"train"`
	Data   DataConfig   `toml:"data"`
	Output OutputConfig `toml:"output"`
	Server ServerConfig `toml:"server"`
	Log    LogConfig    `toml:"log"`
}

type ModelConfig struct {
	InputDim         int    `toml:"input_dim"`
	HiddenDim        int    `toml:"hidden_dim"`
	LatentDim        int    `toml:"latent_dim"`
	Likelihood       string `toml:"likelihood"`
	NumClasses       int    `toml:"num_classes"`
	Parameterization string `toml:"parameterization"`
	Seed             uint64 `toml:"seed"`
}

// FlowConfig describes the posterior flow. No blocks means a plain VAE.
type FlowConfig struct {
	Blocks         []string `toml:"blocks"`
	Length         int      `toml:"length"`
	ExactRadialDet bool     `toml:"exact_radial_det"`
}

type TrainConfig struct {
	Epochs    int     `toml:"epochs"`
	BatchSize int     `toml:"batch_size"`
	LR        float64 `toml:"lr"`
	Anneal    bool    `toml:"anneal"`
	EvalRatio float64 `toml:"eval_ratio"`
	Shuffle   bool    `toml:"shuffle"`
}

type DataConfig struct {
	Dir              string `toml:"dir"`
	Synthetic        bool   `toml:"synthetic"`
	SyntheticSamples int    `toml:"synthetic_samples"`
	MaxSamples       int    `toml:"max_samples"`
}

type OutputConfig struct {
	Dir   string `toml:"dir"`
	Plots bool   `toml:"plots"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration: an MNIST-sized plain VAE.
func Default() Config {
	return Config{
		Model: ModelConfig{
			InputDim:         784,
			HiddenDim:        256,
			LatentDim:        2,
			Likelihood:       string(vae.Bernoulli),
			NumClasses:       2,
			Parameterization: string(vae.Literal),
			Seed:             1,
		},
		Flow: FlowConfig{
			Length: 1,
		},
		Train: TrainConfig{
			Epochs:    10,
			BatchSize: 128,
			LR:        1e-3,
			Anneal:    true,
			EvalRatio: 0.1,
			Shuffle:   true,
		},
		Data: DataConfig{
			Dir:              "./data",
			SyntheticSamples: 1000,
		},
		Output: OutputConfig{
			Dir:   "./runs",
			Plots: true,
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load resolves defaults, the TOML file at path (skipped when empty) and the
// environment. The result is not validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.DecodeFile(path); err != nil {
			return cfg, err
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// DecodeFile overlays the TOML file at path onto c.
func (c *Config) DecodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "error parsing config file %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown config keys", "path", path, "keys", strings.Join(keys, ","))
	}
	slog.Debug("loaded config file", "path", path)
	return nil
}

// Encode writes c as TOML to path.
func (c Config) Encode(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return errors.Wrapf(err, "encode config %s", path)
	}
	return f.Close()
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	model, err := c.VAE()
	if err != nil {
		return err
	}
	if err := model.Validate(); err != nil {
		return err
	}

	switch {
	case c.Train.Epochs <= 0:
		return errors.Errorf("config: train.epochs must be positive, got %d", c.Train.Epochs)
	case c.Train.BatchSize <= 0:
		return errors.Errorf("config: train.batch_size must be positive, got %d", c.Train.BatchSize)
	case c.Train.LR <= 0:
		return errors.Errorf("config: train.lr must be positive, got %v", c.Train.LR)
	case c.Train.EvalRatio < 0 || c.Train.EvalRatio >= 1:
		return errors.Errorf("config: train.eval_ratio must be in [0, 1), got %v", c.Train.EvalRatio)
	case c.Data.Synthetic && c.Data.SyntheticSamples <= 0:
		return errors.Errorf("config: data.synthetic_samples must be positive, got %d", c.Data.SyntheticSamples)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// VAE converts the model and flow sections into a model configuration.
func (c Config) VAE() (vae.Config, error) {
	cfg := vae.Config{
		InputDim:         c.Model.InputDim,
		HiddenDim:        c.Model.HiddenDim,
		LatentDim:        c.Model.LatentDim,
		Likelihood:       vae.Likelihood(strings.ToLower(c.Model.Likelihood)),
		NumClasses:       c.Model.NumClasses,
		Parameterization: vae.Parameterization(strings.ToLower(c.Model.Parameterization)),
		Seed:             c.Model.Seed,
	}
	if len(c.Flow.Blocks) > 0 {
		kinds, err := flow.ParseKinds(c.Flow.Blocks)
		if err != nil {
			return vae.Config{}, errors.Wrap(err, "config: flow.blocks")
		}
		cfg.Flow = &vae.FlowConfig{
			Blocks:         kinds,
			Length:         c.Flow.Length,
			ExactRadialDet: c.Flow.ExactRadialDet,
		}
	}
	return cfg, nil
}

// TrainOptions converts the train section into trainer options.
func (c Config) TrainOptions() train.Options {
	return train.Options{
		Epochs: c.Train.Epochs,
		LR:     float32(c.Train.LR),
		Anneal: c.Train.Anneal,
	}
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Wrapf(err, "config: log.level %q", s)
	}
	return level, nil
}

// String renders c as TOML.
func (c Config) String() string {
	var sb strings.Builder
	if err := toml.NewEncoder(&sb).Encode(c); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return sb.String()
}
