package dataset

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// NumSyntheticClasses is the number of patterns the synthetic generator draws from.
const NumSyntheticClasses = 10

// Synthetic generates n rows×cols images of ten simple patterns. Class k is a
// bright horizontal band starting at row 2k, shifted by a random offset and
// overlaid with Gaussian noise. The result is fully determined by seed.
func Synthetic(n, rows, cols int, seed uint64) *Dataset {
	src := rand.NewSource(seed)
	rng := rand.New(src)
	noise := distuv.Normal{Mu: 0, Sigma: 0.05, Src: src}

	d := &Dataset{
		Images: make([][]float32, n),
		Labels: make([]int32, n),
		Rows:   rows,
		Cols:   cols,
	}

	for i := 0; i < n; i++ {
		label := i % NumSyntheticClasses
		shift := rng.Intn(3) - 1
		start := label*rows/(2*NumSyntheticClasses) + label + shift
		height := rows / 4
		if height < 1 {
			height = 1
		}

		img := make([]float32, rows*cols)
		for r := 0; r < rows; r++ {
			for c := 0; c < cols; c++ {
				v := float32(noise.Rand())
				if r >= start && r < start+height && c >= cols/5 && c < cols-cols/5 {
					v += 0.8
				}
				img[r*cols+c] = clamp01(v)
			}
		}
		d.Images[i] = img
		d.Labels[i] = int32(label)
	}
	return d
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
