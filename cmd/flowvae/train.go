package main

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/born-ml/flowvae/internal/checkpoint"
	"github.com/born-ml/flowvae/internal/config"
	"github.com/born-ml/flowvae/internal/dataset"
	"github.com/born-ml/flowvae/internal/figure"
	"github.com/born-ml/flowvae/internal/train"
	"github.com/born-ml/flowvae/internal/vae"
)

func (c *cli) trainCmd() *cobra.Command {
	var checkpointEvery int

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model",
		Long: `Train a VAE on MNIST IDX files or on generated patterns.

Pass --flow to refine the posterior with a sequence of planar and radial
flows; without it a plain VAE is trained.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := trainFlags(cmd, &c.cfg); err != nil {
				return err
			}
			return c.train(cmd, checkpointEvery)
		},
	}

	flags := cmd.Flags()
	flags.Int("epochs", 0, "Number of training epochs")
	flags.Int("batch-size", 0, "Mini-batch size")
	flags.Float64("lr", 0, "Adam learning rate")
	flags.Int("latent-dim", 0, "Latent dimensionality")
	flags.Int("hidden-dim", 0, "Encoder and decoder hidden width")
	flags.StringSlice("flow", nil, "Flow blocks, e.g. --flow planar,radial")
	flags.Int("flow-length", 0, "Repetitions of the flow block list")
	flags.Bool("exact-radial-det", false, "Use the exact radial flow log-determinant")
	flags.String("likelihood", "", "Reconstruction likelihood: bernoulli or categorical")
	flags.String("parameterization", "", "How sigma enters the regularizer: literal or scale")
	flags.Uint64("seed", 0, "Random seed")
	flags.Bool("synthetic", false, "Train on generated patterns instead of MNIST")
	flags.String("data-dir", "", "Directory containing MNIST IDX files")
	flags.Int("max-samples", 0, "Maximum number of samples to load (0 = all)")
	flags.String("output", "", "Directory for checkpoints and plots")
	flags.Bool("no-plots", false, "Skip writing plots")
	flags.IntVar(&checkpointEvery, "checkpoint-every", 1, "Save an intermediate checkpoint every N epochs (0 = only at the end)")
	return cmd
}

// trainFlags applies explicitly set flags on top of cfg.
func trainFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	var err error
	set := func(name string, apply func() error) {
		if err == nil && flags.Changed(name) {
			err = apply()
		}
	}

	set("epochs", func() (e error) { cfg.Train.Epochs, e = flags.GetInt("epochs"); return })
	set("batch-size", func() (e error) { cfg.Train.BatchSize, e = flags.GetInt("batch-size"); return })
	set("lr", func() (e error) { cfg.Train.LR, e = flags.GetFloat64("lr"); return })
	set("latent-dim", func() (e error) { cfg.Model.LatentDim, e = flags.GetInt("latent-dim"); return })
	set("hidden-dim", func() (e error) { cfg.Model.HiddenDim, e = flags.GetInt("hidden-dim"); return })
	set("flow", func() (e error) { cfg.Flow.Blocks, e = flags.GetStringSlice("flow"); return })
	set("flow-length", func() (e error) { cfg.Flow.Length, e = flags.GetInt("flow-length"); return })
	set("exact-radial-det", func() (e error) { cfg.Flow.ExactRadialDet, e = flags.GetBool("exact-radial-det"); return })
	set("likelihood", func() (e error) { cfg.Model.Likelihood, e = flags.GetString("likelihood"); return })
	set("parameterization", func() (e error) { cfg.Model.Parameterization, e = flags.GetString("parameterization"); return })
	set("seed", func() (e error) { cfg.Model.Seed, e = flags.GetUint64("seed"); return })
	set("synthetic", func() (e error) { cfg.Data.Synthetic, e = flags.GetBool("synthetic"); return })
	set("data-dir", func() (e error) { cfg.Data.Dir, e = flags.GetString("data-dir"); return })
	set("max-samples", func() (e error) { cfg.Data.MaxSamples, e = flags.GetInt("max-samples"); return })
	set("output", func() (e error) { cfg.Output.Dir, e = flags.GetString("output"); return })
	set("no-plots", func() error {
		noPlots, e := flags.GetBool("no-plots")
		cfg.Output.Plots = !noPlots
		return e
	})
	return err
}

func (c *cli) train(cmd *cobra.Command, checkpointEvery int) error {
	ctx := cmd.Context()
	cfg := c.cfg
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := loadData(ctx, cfg)
	if err != nil {
		return err
	}
	if data.Dim() != cfg.Model.InputDim {
		return errors.Errorf("data has %d pixels per image but model.input_dim is %d", data.Dim(), cfg.Model.InputDim)
	}
	trainSet, evalSet := data.Split(cfg.Train.EvalRatio)
	c.logger.Info("loaded data", "train", trainSet.NumSamples(), "eval", evalSet.NumSamples(), "rows", data.Rows, "cols", data.Cols)

	b := newBackend()
	var src rand.Source
	if cfg.Train.Shuffle {
		src = rand.NewSource(cfg.Model.Seed)
	}
	trainBatches, err := dataset.Batches(trainSet, cfg.Train.BatchSize, src, b)
	if err != nil {
		return err
	}
	evalBatches, err := dataset.Batches(evalSet, cfg.Train.BatchSize, nil, b)
	if err != nil {
		return err
	}

	modelCfg, err := cfg.VAE()
	if err != nil {
		return err
	}
	model, err := vae.NewModel(modelCfg, b)
	if err != nil {
		return err
	}

	runID := checkpoint.NewRunID()
	runDir := filepath.Join(cfg.Output.Dir, runID)
	c.logger.Info("starting run", "run_id", runID, "flow", cfg.Flow.Blocks, "flow_length", cfg.Flow.Length, "latent_dim", modelCfg.LatentDim)

	opts := cfg.TrainOptions()
	opts.Logger = c.logger
	opts.OnEpoch = func(row train.EpochStats) error {
		if checkpointEvery <= 0 || row.Epoch%checkpointEvery != 0 || row.Epoch == cfg.Train.Epochs {
			return nil
		}
		dir := checkpoint.EpochDir(runDir, row.Epoch)
		c.logger.Debug("saving checkpoint", "dir", dir)
		return checkpoint.Save(dir, model, cfg, checkpoint.Info{RunID: runID, Epoch: row.Epoch, BitsPerDim: bitsPerDim(row)})
	}

	trainer, err := train.New(model, opts)
	if err != nil {
		return err
	}
	history, fitErr := trainer.Fit(ctx, trainBatches, evalBatches)
	if len(history) == 0 {
		return fitErr
	}
	if fitErr != nil {
		c.logger.Warn("training stopped early", "epochs", len(history), "error", fitErr)
	}

	last := history[len(history)-1]
	if err := checkpoint.Save(runDir, model, cfg, checkpoint.Info{RunID: runID, Epoch: last.Epoch, BitsPerDim: bitsPerDim(last)}); err != nil {
		return err
	}

	c.logger.Info("saved checkpoint", "dir", runDir, "epoch", last.Epoch)

	out := cmd.OutOrStdout()
	train.WriteTable(out, history)
	if best, ok := train.Best(history); ok {
		fmt.Fprintf(out, "\nbest epoch %d, %.4f bits/dim\n", best.Epoch, bitsPerDim(best))
	}

	if cfg.Output.Plots {
		projectOn := evalBatches
		if len(projectOn) == 0 {
			projectOn = trainBatches
		}
		if err := writePlots(ctx, runDir, history, model, projectOn, data.Rows, data.Cols); err != nil {
			c.logger.Warn("writing plots", "error", err)
		}
	}

	fmt.Fprintf(out, "saved %s\n", runDir)
	return fitErr
}

func loadData(ctx context.Context, cfg config.Config) (*dataset.Dataset, error) {
	if cfg.Data.Synthetic {
		side := int(math.Sqrt(float64(cfg.Model.InputDim)))
		if side*side != cfg.Model.InputDim {
			return nil, errors.Errorf("synthetic data needs a square input_dim, got %d", cfg.Model.InputDim)
		}
		return dataset.Synthetic(cfg.Data.SyntheticSamples, side, side, cfg.Model.Seed), nil
	}
	return dataset.LoadMNIST(ctx, cfg.Data.Dir, true, cfg.Data.MaxSamples)
}

func bitsPerDim(row train.EpochStats) float64 {
	if row.Eval != nil {
		return row.Eval.BitsPerDim
	}
	return row.Train.BitsPerDim
}

const plotSamples = 64

func writePlots(ctx context.Context, dir string, history []train.EpochStats, model *vae.Model[backend], batches []*dataset.Batch[backend], rows, cols int) error {
	if err := figure.LossCurve(history, filepath.Join(dir, "loss.png")); err != nil {
		return err
	}

	proj, err := train.Project(ctx, model, batches)
	if err != nil {
		return err
	}
	if err := figure.LatentScatter(proj.Means, proj.Labels, filepath.Join(dir, "latent.png")); err != nil {
		return err
	}
	if proj.LogDet != nil {
		if err := figure.Histogram(proj.LogDet, 30, "flow log-det", filepath.Join(dir, "logdet.png")); err != nil {
			return err
		}
	}

	images, err := model.Sample(plotSamples, vae.NewNoise(model.Config().Seed))
	if err != nil {
		return err
	}
	return figure.ImageGrid(dataset.Rows(images), rows, cols, 8, filepath.Join(dir, "samples.png"))
}
