package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
)

// EnvVar describes one FLOWVAE_* variable and its resolved value.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

type envBinding struct {
	name        string
	description string
	get         func(*Config) any
	set         func(*Config, string) error
}

var envBindings = []envBinding{
	{
		"FLOWVAE_DEBUG", "Show additional debug information (e.g. FLOWVAE_DEBUG=1)",
		func(c *Config) any { return strings.EqualFold(c.Log.Level, "debug") },
		func(c *Config, v string) error {
			if d, err := strconv.ParseBool(v); err != nil || d {
				c.Log.Level = "debug"
			}
			return nil
		},
	},
	{
		"FLOWVAE_LOG_LEVEL", "Log level: debug, info, warn or error (default \"info\")",
		func(c *Config) any { return c.Log.Level },
		func(c *Config, v string) error { c.Log.Level = v; return nil },
	},
	{
		"FLOWVAE_DATA_DIR", "Directory containing MNIST IDX files (default \"./data\")",
		func(c *Config) any { return c.Data.Dir },
		func(c *Config, v string) error { c.Data.Dir = v; return nil },
	},
	{
		"FLOWVAE_SYNTHETIC", "Train on generated patterns instead of MNIST",
		func(c *Config) any { return c.Data.Synthetic },
		func(c *Config, v string) error { return setBool(&c.Data.Synthetic, v) },
	},
	{
		"FLOWVAE_MAX_SAMPLES", "Maximum number of samples to load (0 = all)",
		func(c *Config) any { return c.Data.MaxSamples },
		func(c *Config, v string) error { return setInt(&c.Data.MaxSamples, v) },
	},
	{
		"FLOWVAE_EPOCHS", "Number of training epochs (default 10)",
		func(c *Config) any { return c.Train.Epochs },
		func(c *Config, v string) error { return setInt(&c.Train.Epochs, v) },
	},
	{
		"FLOWVAE_BATCH_SIZE", "Mini-batch size (default 128)",
		func(c *Config) any { return c.Train.BatchSize },
		func(c *Config, v string) error { return setInt(&c.Train.BatchSize, v) },
	},
	{
		"FLOWVAE_LR", "Adam learning rate (default 0.001)",
		func(c *Config) any { return c.Train.LR },
		func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return err
			}
			c.Train.LR = f
			return nil
		},
	},
	{
		"FLOWVAE_LATENT_DIM", "Latent dimensionality (default 2)",
		func(c *Config) any { return c.Model.LatentDim },
		func(c *Config, v string) error { return setInt(&c.Model.LatentDim, v) },
	},
	{
		"FLOWVAE_HIDDEN_DIM", "Encoder and decoder hidden width (default 256)",
		func(c *Config) any { return c.Model.HiddenDim },
		func(c *Config, v string) error { return setInt(&c.Model.HiddenDim, v) },
	},
	{
		"FLOWVAE_LIKELIHOOD", "Reconstruction likelihood: bernoulli or categorical",
		func(c *Config) any { return c.Model.Likelihood },
		func(c *Config, v string) error { c.Model.Likelihood = v; return nil },
	},
	{
		"FLOWVAE_NUM_CLASSES", "Pixel levels for the categorical likelihood",
		func(c *Config) any { return c.Model.NumClasses },
		func(c *Config, v string) error { return setInt(&c.Model.NumClasses, v) },
	},
	{
		"FLOWVAE_PARAMETERIZATION", "How sigma enters the regularizer: literal or scale",
		func(c *Config) any { return c.Model.Parameterization },
		func(c *Config, v string) error { c.Model.Parameterization = v; return nil },
	},
	{
		"FLOWVAE_SEED", "Seed for flow initialization and sampling noise",
		func(c *Config) any { return c.Model.Seed },
		func(c *Config, v string) error {
			s, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return err
			}
			c.Model.Seed = s
			return nil
		},
	},
	{
		"FLOWVAE_FLOW", "A comma separated list of flow blocks (e.g. planar,radial)",
		func(c *Config) any { return c.Flow.Blocks },
		func(c *Config, v string) error {
			c.Flow.Blocks = nil
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					c.Flow.Blocks = append(c.Flow.Blocks, b)
				}
			}
			return nil
		},
	},
	{
		"FLOWVAE_FLOW_LENGTH", "Repetitions of the flow block list (default 1)",
		func(c *Config) any { return c.Flow.Length },
		func(c *Config, v string) error { return setInt(&c.Flow.Length, v) },
	},
	{
		"FLOWVAE_OUTPUT_DIR", "Directory for checkpoints and plots (default \"./runs\")",
		func(c *Config) any { return c.Output.Dir },
		func(c *Config, v string) error { c.Output.Dir = v; return nil },
	},
	{
		"FLOWVAE_ADDR", "Listen address for flowvae serve (default 127.0.0.1:8080)",
		func(c *Config) any { return c.Server.Addr },
		func(c *Config, v string) error { c.Server.Addr = v; return nil },
	},
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// ApplyEnv overrides c with every FLOWVAE_* variable that is set. Invalid
// values are logged and ignored.
func (c *Config) ApplyEnv() {
	for _, b := range envBindings {
		v := clean(b.name)
		if v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			slog.Error("invalid setting, ignoring", b.name, v, "error", err)
		}
	}
}

// AsMap returns the environment variables with their resolved values.
func (c Config) AsMap() map[string]EnvVar {
	m := make(map[string]EnvVar, len(envBindings))
	for _, b := range envBindings {
		m[b.name] = EnvVar{b.name, b.get(&c), b.description}
	}
	return m
}

// Values returns the resolved environment values as strings.
func (c Config) Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range c.AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// EnvNames returns the variable names in sorted order.
func EnvNames() []string {
	names := make([]string, len(envBindings))
	for i, b := range envBindings {
		names[i] = b.name
	}
	sort.Strings(names)
	return names
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
