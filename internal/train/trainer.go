// Package train drives VAE training: epochs over mini-batches, linear KL
// annealing, Adam updates through the autodiff tape, and evaluation on a
// held-out split.
package train

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/born-ml/born/autodiff"
	"github.com/born-ml/born/optim"
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/born-ml/flowvae/internal/dataset"
	"github.com/born-ml/flowvae/internal/vae"
)

// ErrNonFinite is returned when a batch loss is NaN or infinite.
var ErrNonFinite = errors.New("train: non-finite loss")

// Options configure a Trainer.
type Options struct {
	Epochs int
	LR     float32

	// Anneal ramps beta linearly from 0 to 1 across epochs. When false beta
	// stays at 1.
	Anneal bool

	// OnEpoch, if set, runs after every epoch. A non-nil error stops training.
	OnEpoch func(EpochStats) error

	Logger *slog.Logger
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() Options {
	return Options{
		Epochs: 10,
		LR:     1e-3,
		Anneal: true,
	}
}

// Stats aggregates losses over a pass, averaged per sample.
type Stats struct {
	Loss       float64
	Recon      float64
	Reg        float64
	BitsPerDim float64
	Samples    int
}

// EpochStats is one row of the training history.
type EpochStats struct {
	Epoch    int // 1-based
	Beta     float64
	Train    Stats
	Eval     *Stats // nil without an evaluation split
	Duration time.Duration
}

// Trainer optimizes a model on an autodiff backend.
type Trainer[B tensor.Backend] struct {
	model     *vae.Model[*autodiff.Backend[B]]
	backend   *autodiff.Backend[B]
	optimizer *optim.Adam[*autodiff.Backend[B]]
	opts      Options
	log       *slog.Logger
}

// New creates a trainer with an Adam optimizer over every model parameter.
func New[B tensor.Backend](model *vae.Model[*autodiff.Backend[B]], opts Options) (*Trainer[B], error) {
	if opts.Epochs <= 0 {
		return nil, errors.Errorf("train: epochs must be positive, got %d", opts.Epochs)
	}
	if opts.LR <= 0 {
		return nil, errors.Errorf("train: learning rate must be positive, got %v", opts.LR)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	backend := model.Backend()
	optimizer := optim.NewAdam(
		model.Parameters(),
		optim.AdamConfig{
			LR:    opts.LR,
			Betas: [2]float32{0.9, 0.999},
			Eps:   1e-8,
		},
		backend,
	)
	return &Trainer[B]{
		model:     model,
		backend:   backend,
		optimizer: optimizer,
		opts:      opts,
		log:       logger,
	}, nil
}

// Beta returns the KL weight for a 0-based epoch: 0 at the first epoch and 1
// at the last, linear in between. A single epoch uses 1.
func Beta(epoch, epochs int) float64 {
	if epochs <= 1 {
		return 1
	}
	b := float64(epoch) / float64(epochs-1)
	return math.Max(0, math.Min(1, b))
}

// Fit trains for the configured number of epochs and returns the history.
// eval may be empty. The history collected so far is returned with any error.
func (t *Trainer[B]) Fit(ctx context.Context, train, eval []*dataset.Batch[*autodiff.Backend[B]]) ([]EpochStats, error) {
	if len(train) == 0 {
		return nil, errors.New("train: no training batches")
	}

	history := make([]EpochStats, 0, t.opts.Epochs)
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		start := time.Now()

		beta := 1.0
		if t.opts.Anneal {
			beta = Beta(epoch, t.opts.Epochs)
		}

		trainStats, err := t.TrainEpoch(ctx, train, float32(beta))
		if err != nil {
			return history, errors.Wrapf(err, "epoch %d", epoch+1)
		}

		row := EpochStats{Epoch: epoch + 1, Beta: beta, Train: trainStats}
		if len(eval) > 0 {
			evalStats, err := t.Evaluate(ctx, eval)
			if err != nil {
				return history, errors.Wrapf(err, "epoch %d eval", epoch+1)
			}
			row.Eval = &evalStats
		}
		row.Duration = time.Since(start)
		history = append(history, row)

		attrs := []any{
			"epoch", row.Epoch,
			"beta", row.Beta,
			"loss", trainStats.Loss,
			"recon", trainStats.Recon,
			"reg", trainStats.Reg,
			"bpd", trainStats.BitsPerDim,
			"duration", row.Duration.Round(time.Millisecond),
		}
		if row.Eval != nil {
			attrs = append(attrs, "eval_loss", row.Eval.Loss, "eval_bpd", row.Eval.BitsPerDim)
		}
		t.log.Info("epoch complete", attrs...)

		if t.opts.OnEpoch != nil {
			if err := t.opts.OnEpoch(row); err != nil {
				return history, err
			}
		}
	}
	return history, nil
}

// TrainEpoch runs one optimizer step per batch with KL weight beta.
func (t *Trainer[B]) TrainEpoch(ctx context.Context, batches []*dataset.Batch[*autodiff.Backend[B]], beta float32) (Stats, error) {
	tape := t.backend.Tape()
	tape.StartRecording()
	defer tape.Clear()

	var acc accumulator
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}

		t.optimizer.ZeroGrad()

		loss, err := t.model.Loss(batch.Images, beta)
		if err != nil {
			return Stats{}, errors.Wrapf(err, "batch %d", i)
		}
		total := loss.Total.Data()[0]
		if isNonFinite(total) {
			return Stats{}, errors.Wrapf(ErrNonFinite, "batch %d: loss %v", i, total)
		}

		outputGrad, err := tensor.NewRaw(loss.Total.Shape(), loss.Total.DType(), t.backend.Device())
		if err != nil {
			return Stats{}, errors.Wrap(err, "allocate output gradient")
		}
		outputGrad.AsFloat32()[0] = 1.0

		grads := tape.Backward(outputGrad, t.backend)
		t.optimizer.Step(grads)

		acc.add(loss.Total.Data()[0], loss.Recon.Data()[0], loss.Reg.Data()[0], batch.Size)
		t.log.Debug("batch", "index", i, "loss", total)

		tape.Clear()
	}
	return acc.stats(t.model.Config().InputDim), nil
}

// Evaluate computes the unweighted bound (beta = 1) without recording
// gradients.
func (t *Trainer[B]) Evaluate(ctx context.Context, batches []*dataset.Batch[*autodiff.Backend[B]]) (Stats, error) {
	return Evaluate(ctx, t.model, batches)
}

// Evaluate computes the unweighted bound (beta = 1) of model over batches
// with gradient recording paused. Latent noise comes from a stream seeded with
// the model seed, so repeated calls agree and training noise is not consumed.
func Evaluate[B tensor.Backend](ctx context.Context, model *vae.Model[*autodiff.Backend[B]], batches []*dataset.Batch[*autodiff.Backend[B]]) (Stats, error) {
	defer pauseRecording(model.Backend())()

	noise := vae.NewNoise(model.Config().Seed)
	var acc accumulator
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}
		loss, err := model.LossFrom(batch.Images, 1, noise)
		if err != nil {
			return Stats{}, errors.Wrapf(err, "batch %d", i)
		}
		if total := loss.Total.Data()[0]; isNonFinite(total) {
			return Stats{}, errors.Wrapf(ErrNonFinite, "batch %d: loss %v", i, total)
		}
		acc.add(loss.Total.Data()[0], loss.Recon.Data()[0], loss.Reg.Data()[0], batch.Size)
	}
	return acc.stats(model.Config().InputDim), nil
}

// pauseRecording stops gradient recording and returns a func that restores
// the previous state.
func pauseRecording[B tensor.Backend](backend *autodiff.Backend[B]) func() {
	tape := backend.Tape()
	wasRecording := tape.IsRecording()
	tape.StopRecording()
	return func() {
		if wasRecording {
			tape.StartRecording()
		}
	}
}

// accumulator collects per-batch means weighted by batch size.
type accumulator struct {
	loss, recon, reg []float64
	weights          []float64
}

func (a *accumulator) add(loss, recon, reg float32, size int) {
	a.loss = append(a.loss, float64(loss))
	a.recon = append(a.recon, float64(recon))
	a.reg = append(a.reg, float64(reg))
	a.weights = append(a.weights, float64(size))
}

func (a *accumulator) stats(inputDim int) Stats {
	if len(a.weights) == 0 {
		return Stats{}
	}
	s := Stats{
		Loss:  stat.Mean(a.loss, a.weights),
		Recon: stat.Mean(a.recon, a.weights),
		Reg:   stat.Mean(a.reg, a.weights),
	}
	for _, w := range a.weights {
		s.Samples += int(w)
	}
	s.BitsPerDim = vae.BitsPerDim(s.Recon+s.Reg, inputDim)
	return s
}

func isNonFinite(v float32) bool {
	f := float64(v)
	return math.IsNaN(f) || math.IsInf(f, 0)
}
