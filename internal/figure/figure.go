// Package figure renders training diagnostics with gonum/plot.
//
// The output format follows the file extension passed to each function
// (.png, .svg, .pdf).
package figure

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/born-ml/flowvae/internal/train"
)

// Size is the default edge length of saved figures.
const Size = 6 * vg.Inch

// ErrEmpty is returned when there is nothing to draw.
var ErrEmpty = errors.New("figure: no data")

// LossCurve plots the per-epoch training loss and, when present, the
// evaluation loss.
func LossCurve(history []train.EpochStats, path string) error {
	if len(history) == 0 {
		return ErrEmpty
	}
	trainLoss, evalLoss := train.Losses(history)

	p := plot.New()
	p.Title.Text = "free energy"
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = "loss (nats)"
	p.Add(plotter.NewGrid())

	lines := []any{"train", series(history, trainLoss)}
	if evalLoss != nil {
		lines = append(lines, "eval", series(history, evalLoss))
	}
	if err := plotutil.AddLinePoints(p, lines...); err != nil {
		return errors.Wrap(err, "figure: loss curve")
	}
	return save(p, Size, Size*2/3, path)
}

func series(history []train.EpochStats, values []float64) plotter.XYs {
	xys := make(plotter.XYs, len(values))
	for i, v := range values {
		xys[i].X = float64(history[i].Epoch)
		xys[i].Y = v
	}
	return xys
}

// LatentScatter draws 2-D latent codes coloured by label. Points and labels
// must have equal length; labels may be nil.
func LatentScatter(points [][2]float64, labels []int32, path string) error {
	if len(points) == 0 {
		return ErrEmpty
	}
	if labels != nil && len(labels) != len(points) {
		return errors.Errorf("figure: %d points but %d labels", len(points), len(labels))
	}

	groups := make(map[int32]plotter.XYs)
	var order []int32
	for i, pt := range points {
		var label int32
		if labels != nil {
			label = labels[i]
		}
		if _, ok := groups[label]; !ok {
			order = append(order, label)
		}
		groups[label] = append(groups[label], plotter.XY{X: pt[0], Y: pt[1]})
	}

	p := plot.New()
	p.Title.Text = "latent space"
	p.X.Label.Text = "z1"
	p.Y.Label.Text = "z2"
	p.Legend.Top = true

	for i, label := range order {
		s, err := plotter.NewScatter(groups[label])
		if err != nil {
			return errors.Wrap(err, "figure: latent scatter")
		}
		s.GlyphStyle.Color = plotutil.Color(i)
		s.GlyphStyle.Shape = plotutil.Shape(i)
		s.GlyphStyle.Radius = vg.Points(2)
		p.Add(s)
		if labels != nil {
			p.Legend.Add(fmt.Sprint(label), s)
		}
	}
	return save(p, Size, Size, path)
}

// Histogram plots the distribution of values.
func Histogram(values []float64, bins int, title, path string) error {
	if len(values) == 0 {
		return ErrEmpty
	}
	h, err := plotter.NewHist(plotter.Values(values), bins)
	if err != nil {
		return errors.Wrap(err, "figure: histogram")
	}
	p := plot.New()
	p.Title.Text = title
	p.Add(h)
	return save(p, Size, Size*2/3, path)
}

// ImageGrid tiles grayscale images of size rows x cols, with values in [0, 1],
// into a grid that is columns images wide.
func ImageGrid(images [][]float32, rows, cols, columns int, path string) error {
	if len(images) == 0 {
		return ErrEmpty
	}
	img, err := Tile(images, rows, cols, columns)
	if err != nil {
		return err
	}

	b := img.Bounds()
	p := plot.New()
	p.HideAxes()
	p.Add(plotter.NewImage(img, 0, 0, float64(b.Dx()), float64(b.Dy())))

	scale := vg.Length(b.Dy()) / vg.Length(b.Dx())
	return save(p, Size, Size*scale, path)
}

// Tile arranges images into a single grayscale picture with a one pixel gap.
func Tile(images [][]float32, rows, cols, columns int) (*image.Gray, error) {
	if rows <= 0 || cols <= 0 || columns <= 0 {
		return nil, errors.Errorf("figure: invalid grid %dx%d with %d columns", rows, cols, columns)
	}
	gridRows := (len(images) + columns - 1) / columns
	gridCols := min(columns, len(images))

	const gap = 1
	img := image.NewGray(image.Rect(0, 0, gridCols*(cols+gap)-gap, gridRows*(rows+gap)-gap))
	for i, pixels := range images {
		if len(pixels) != rows*cols {
			return nil, errors.Errorf("figure: image %d has %d pixels, want %d", i, len(pixels), rows*cols)
		}
		ox := (i % columns) * (cols + gap)
		oy := (i / columns) * (rows + gap)
		for y := 0; y < rows; y++ {
			for x := 0; x < cols; x++ {
				img.SetGray(ox+x, oy+y, gray(pixels[y*cols+x]))
			}
		}
	}
	return img, nil
}

func gray(v float32) color.Gray {
	if math.IsNaN(float64(v)) || v <= 0 {
		return color.Gray{}
	}
	if v >= 1 {
		return color.Gray{Y: 255}
	}
	return color.Gray{Y: uint8(v*255 + 0.5)}
}

func save(p *plot.Plot, w, h vg.Length, path string) error {
	if err := p.Save(w, h, path); err != nil {
		return errors.Wrapf(err, "figure: save %s", path)
	}
	return nil
}
