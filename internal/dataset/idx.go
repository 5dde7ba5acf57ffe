package dataset

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/flowvae/internal/parallel"
)

// IDX magic numbers.
const (
	imageMagic = 2051 // 0x00000803: unsigned bytes, 3 dimensions
	labelMagic = 2049 // 0x00000801: unsigned bytes, 1 dimension

	// maxIDXBytes bounds the payload a header may announce.
	maxIDXBytes = 1 << 28
)

// ReadImages reads an IDX image file.
//
//	magic number: 0x00000803 (2051)
//	number of images: 4 bytes
//	number of rows: 4 bytes
//	number of cols: 4 bytes
//	pixel data: unsigned bytes (0-255)
func ReadImages(r io.Reader) (images [][]byte, rows, cols int, err error) {
	if err := readMagic(r, imageMagic); err != nil {
		return nil, 0, 0, errors.Wrap(err, "image")
	}
	var dims [3]uint32
	if err := binary.Read(r, binary.BigEndian, &dims); err != nil {
		return nil, 0, 0, errors.Wrap(err, "read image header")
	}
	if uint64(dims[0])*uint64(dims[1])*uint64(dims[2]) > maxIDXBytes {
		return nil, 0, 0, errors.Wrapf(ErrFormat, "image header announces %dx%dx%d bytes", dims[0], dims[1], dims[2])
	}

	n, rows, cols := int(dims[0]), int(dims[1]), int(dims[2])
	images = make([][]byte, n)
	for i := range images {
		images[i] = make([]byte, rows*cols)
		if _, err := io.ReadFull(r, images[i]); err != nil {
			return nil, 0, 0, errors.Wrapf(err, "read image %d", i)
		}
	}
	return images, rows, cols, nil
}

// ReadLabels reads an IDX label file.
//
//	magic number: 0x00000801 (2049)
//	number of labels: 4 bytes
//	label data: unsigned bytes
func ReadLabels(r io.Reader) ([]byte, error) {
	if err := readMagic(r, labelMagic); err != nil {
		return nil, errors.Wrap(err, "label")
	}
	var n uint32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, errors.Wrap(err, "read label header")
	}
	if n > maxIDXBytes {
		return nil, errors.Wrapf(ErrFormat, "label header announces %d labels", n)
	}

	labels := make([]byte, n)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, errors.Wrap(err, "read labels")
	}
	return labels, nil
}

// readMagic consumes the leading magic number and checks it against want.
// Input too short to hold one is a format error too.
func readMagic(r io.Reader, want uint32) error {
	var magic uint32
	if err := binary.Read(r, binary.BigEndian, &magic); err != nil {
		return errors.Wrapf(ErrFormat, "read magic: %v", err)
	}
	if magic != want {
		return errors.Wrapf(ErrFormat, "magic: got %d, want %d", magic, want)
	}
	return nil
}

// WriteImages writes images in IDX format. Every image must have rows*cols bytes.
func WriteImages(w io.Writer, images [][]byte, rows, cols int) error {
	header := [4]uint32{imageMagic, uint32(len(images)), uint32(rows), uint32(cols)}
	if err := binary.Write(w, binary.BigEndian, header); err != nil {
		return err
	}
	for i, img := range images {
		if len(img) != rows*cols {
			return errors.Wrapf(ErrFormat, "image %d has %d pixels, want %d", i, len(img), rows*cols)
		}
		if _, err := w.Write(img); err != nil {
			return err
		}
	}
	return nil
}

// WriteLabels writes labels in IDX format.
func WriteLabels(w io.Writer, labels []byte) error {
	header := [2]uint32{labelMagic, uint32(len(labels))}
	if err := binary.Write(w, binary.BigEndian, header); err != nil {
		return err
	}
	_, err := w.Write(labels)
	return err
}

// MNISTFiles returns the image and label file names of a split.
func MNISTFiles(train bool) (images, labels string) {
	if train {
		return "train-images-idx3-ubyte", "train-labels-idx1-ubyte"
	}
	return "t10k-images-idx3-ubyte", "t10k-labels-idx1-ubyte"
}

// LoadMNIST loads an MNIST split from dir. Each file may also be present
// with a .gz suffix. Images and labels are read concurrently.
// maxSamples <= 0 loads everything.
func LoadMNIST(ctx context.Context, dir string, train bool, maxSamples int) (*Dataset, error) {
	imageName, labelName := MNISTFiles(train)

	var (
		rawImages  [][]byte
		rawLabels  []byte
		rows, cols int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return withFile(ctx, filepath.Join(dir, imageName), func(r io.Reader) (err error) {
			rawImages, rows, cols, err = ReadImages(r)
			return err
		})
	})
	g.Go(func() error {
		return withFile(ctx, filepath.Join(dir, labelName), func(r io.Reader) (err error) {
			rawLabels, err = ReadLabels(r)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if len(rawImages) != len(rawLabels) {
		return nil, errors.Wrapf(ErrFormat, "image count (%d) != label count (%d)", len(rawImages), len(rawLabels))
	}

	n := len(rawImages)
	if maxSamples > 0 && n > maxSamples {
		n = maxSamples
	}

	d := &Dataset{
		Images: make([][]float32, n),
		Labels: make([]int32, n),
		Rows:   rows,
		Cols:   cols,
	}
	parallel.Each(n, parallel.DefaultConfig(), func(i int) {
		d.Images[i] = Normalize(rawImages[i])
		d.Labels[i] = int32(rawLabels[i])
	})
	return d, nil
}

// Normalize maps bytes 0-255 to [0, 1].
func Normalize(pixels []byte) []float32 {
	out := make([]float32, len(pixels))
	for i, p := range pixels {
		out[i] = float32(p) / 255.0
	}
	return out
}

// Denormalize maps [0, 1] back to bytes, clamping out-of-range values.
func Denormalize(values []float32) []byte {
	out := make([]byte, len(values))
	for i, v := range values {
		switch {
		case v <= 0:
			out[i] = 0
		case v >= 1:
			out[i] = 255
		default:
			out[i] = byte(v*255 + 0.5)
		}
	}
	return out
}

// withFile opens path, or path+".gz" when path is missing, and passes a
// decompressed reader to fn.
func withFile(ctx context.Context, path string, fn func(io.Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) && !strings.HasSuffix(path, ".gz") {
		path += ".gz"
		f, err = os.Open(path)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return errors.Wrapf(err, "open %s", path)
		}
		defer gz.Close()
		r = gz
	}

	if err := fn(r); err != nil {
		return errors.Wrapf(err, "load %s", filepath.Base(path))
	}
	return nil
}
