package train

import (
	"context"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"

	"github.com/born-ml/flowvae/internal/dataset"
	"github.com/born-ml/flowvae/internal/vae"
)

// Projection holds per-sample latent diagnostics.
type Projection struct {
	// Means are the first two coordinates of the posterior mean. A
	// one-dimensional latent is padded with zero.
	Means  [][2]float64
	Labels []int32

	// LogDet is the summed flow log-determinant of one posterior draw per
	// sample. Nil in plain mode.
	LogDet []float64
}

// Project encodes every batch with gradient recording paused. Like Evaluate
// it draws from its own noise stream.
func Project[B tensor.Backend](ctx context.Context, model *vae.Model[*autodiff.Backend[B]], batches []*dataset.Batch[*autodiff.Backend[B]]) (*Projection, error) {
	defer pauseRecording(model.Backend())()

	noise := vae.NewNoise(model.Config().Seed)
	latentDim := model.Config().LatentDim
	p := &Projection{}
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mu, sigma, err := model.Encode(batch.Images)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d", i)
		}

		means := mu.Data()
		for s := 0; s < batch.Size; s++ {
			var pt [2]float64
			pt[0] = float64(means[s*latentDim])
			if latentDim > 1 {
				pt[1] = float64(means[s*latentDim+1])
			}
			p.Means = append(p.Means, pt)
		}
		if batch.Labels != nil {
			p.Labels = append(p.Labels, batch.Labels.Data()[:batch.Size]...)
		}

		if !model.HasFlow() {
			continue
		}
		latent, err := model.LatentFrom(mu, sigma, noise)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d", i)
		}
		totals := make([]float64, batch.Size)
		for _, ld := range latent.Trace {
			for s, v := range ld.Data()[:batch.Size] {
				totals[s] += float64(v)
			}
		}
		p.LogDet = append(p.LogDet, totals...)
	}
	return p, nil
}
