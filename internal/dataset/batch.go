package dataset

import (
	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// Batch is a mini-batch on a backend.
type Batch[B tensor.Backend] struct {
	Images *tensor.Tensor[float32, B] // [size, dim]
	Labels *tensor.Tensor[int32, B]   // [size]
	Size   int
}

// Batches cuts d into mini-batches of batchSize. The last batch may be
// smaller. When src is non-nil samples are shuffled with it first.
func Batches[B tensor.Backend](d *Dataset, batchSize int, src rand.Source, backend B) ([]*Batch[B], error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("dataset: batch size must be positive, got %d", batchSize)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	numSamples := d.NumSamples()
	dim := d.Dim()

	indices := make([]int, numSamples)
	for i := range indices {
		indices[i] = i
	}
	if src != nil {
		rand.New(src).Shuffle(numSamples, func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
	}

	batches := make([]*Batch[B], 0, (numSamples+batchSize-1)/batchSize)
	for i := 0; i < numSamples; i += batchSize {
		end := min(i+batchSize, numSamples)
		size := end - i

		imagesRaw, err := tensor.NewRaw(tensor.Shape{size, dim}, tensor.Float32, backend.Device())
		if err != nil {
			return nil, errors.Wrap(err, "allocate images")
		}
		labelsRaw, err := tensor.NewRaw(tensor.Shape{size}, tensor.Int32, backend.Device())
		if err != nil {
			return nil, errors.Wrap(err, "allocate labels")
		}

		imagesData := imagesRaw.AsFloat32()
		labelsData := labelsRaw.AsInt32()
		for j := i; j < end; j++ {
			idx := indices[j]
			copy(imagesData[(j-i)*dim:(j-i+1)*dim], d.Images[idx])
			labelsData[j-i] = d.Labels[idx]
		}

		batches = append(batches, &Batch[B]{
			Images: tensor.New[float32, B](imagesRaw, backend),
			Labels: tensor.New[int32, B](labelsRaw, backend),
			Size:   size,
		})
	}
	return batches, nil
}

// Rows converts a [n, dim] tensor into per-sample slices.
func Rows[B tensor.Backend](t *tensor.Tensor[float32, B]) [][]float32 {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil
	}
	data := t.Data()
	out := make([][]float32, shape[0])
	for i := range out {
		out[i] = append([]float32(nil), data[i*shape[1]:(i+1)*shape[1]]...)
	}
	return out
}

// FromRows stacks equally sized rows into a [len(rows), dim] tensor.
func FromRows[B tensor.Backend](rows [][]float32, backend B) (*tensor.Tensor[float32, B], error) {
	if len(rows) == 0 {
		return nil, errors.New("dataset: no rows")
	}
	dim := len(rows[0])
	data := make([]float32, 0, len(rows)*dim)
	for i, row := range rows {
		if len(row) != dim {
			return nil, errors.Errorf("dataset: row %d has %d values, want %d", i, len(row), dim)
		}
		data = append(data, row...)
	}
	return tensor.FromSlice(data, tensor.Shape{len(rows), dim}, backend)
}
