// Package dataset loads image datasets and cuts them into mini-batches.
//
// Images are stored as flattened rows with pixels normalized to [0, 1].
// Sources are MNIST IDX files (optionally gzip-compressed) and a seeded
// synthetic generator for runs without data on disk.
package dataset

import (
	"github.com/pkg/errors"
)

// ErrFormat is returned for malformed dataset files.
var ErrFormat = errors.New("dataset: invalid format")

// Dataset holds images and their labels.
type Dataset struct {
	Images [][]float32 // [num_samples][rows*cols], values in [0, 1]
	Labels []int32     // [num_samples]
	Rows   int
	Cols   int
}

// NumSamples returns the number of samples.
func (d *Dataset) NumSamples() int {
	return len(d.Images)
}

// Dim returns the flattened image size.
func (d *Dataset) Dim() int {
	return d.Rows * d.Cols
}

// Split splits the dataset into a training part and a held-out part
// containing the trailing evalRatio fraction of samples.
func (d *Dataset) Split(evalRatio float64) (*Dataset, *Dataset) {
	splitIdx := int(float64(d.NumSamples()) * (1 - evalRatio))
	if splitIdx < 0 {
		splitIdx = 0
	}
	if splitIdx > d.NumSamples() {
		splitIdx = d.NumSamples()
	}

	return &Dataset{
			Images: d.Images[:splitIdx],
			Labels: d.Labels[:splitIdx],
			Rows:   d.Rows,
			Cols:   d.Cols,
		}, &Dataset{
			Images: d.Images[splitIdx:],
			Labels: d.Labels[splitIdx:],
			Rows:   d.Rows,
			Cols:   d.Cols,
		}
}

// Limit returns at most n leading samples. n <= 0 keeps everything.
func (d *Dataset) Limit(n int) *Dataset {
	if n <= 0 || n >= d.NumSamples() {
		return d
	}
	return &Dataset{
		Images: d.Images[:n],
		Labels: d.Labels[:n],
		Rows:   d.Rows,
		Cols:   d.Cols,
	}
}

// Validate checks that images and labels agree in count and size.
func (d *Dataset) Validate() error {
	if len(d.Images) != len(d.Labels) {
		return errors.Wrapf(ErrFormat, "image count (%d) != label count (%d)", len(d.Images), len(d.Labels))
	}
	for i, img := range d.Images {
		if len(img) != d.Dim() {
			return errors.Wrapf(ErrFormat, "image %d has %d pixels, want %d", i, len(img), d.Dim())
		}
	}
	return nil
}
