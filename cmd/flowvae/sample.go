package main

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/born-ml/flowvae/internal/checkpoint"
	"github.com/born-ml/flowvae/internal/dataset"
	"github.com/born-ml/flowvae/internal/figure"
	"github.com/born-ml/flowvae/internal/vae"
)

func (c *cli) sampleCmd() *cobra.Command {
	var (
		count   int
		seed    uint64
		columns int
		output  string
	)

	cmd := &cobra.Command{
		Use:   "sample CHECKPOINT",
		Short: "Draw images from a trained model's prior",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _, info, err := checkpoint.Load(args[0], newBackend())
			if err != nil {
				return err
			}
			c.logger.Info("loaded checkpoint", "dir", args[0], "run_id", info.RunID, "epoch", info.Epoch)

			inputDim := model.Config().InputDim
			side := int(math.Sqrt(float64(inputDim)))
			if side*side != inputDim {
				return errors.Errorf("cannot lay out %d pixels as a square image", inputDim)
			}

			images, err := model.Sample(count, vae.NewNoise(seed))
			if err != nil {
				return err
			}
			if err := figure.ImageGrid(dataset.Rows(images), side, side, columns, output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d samples to %s\n", count, output)
			return nil
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 64, "Number of samples")
	cmd.Flags().Uint64Var(&seed, "seed", 1, "Sampling seed")
	cmd.Flags().IntVar(&columns, "columns", 8, "Images per grid row")
	cmd.Flags().StringVarP(&output, "output", "o", "samples.png", "Output image (.png, .svg or .pdf)")
	return cmd
}
