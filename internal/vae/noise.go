package vae

import (
	"sync"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Noise is a seeded standard normal source. It is safe for concurrent use.
type Noise struct {
	mu   sync.Mutex
	dist distuv.Normal
}

// NewNoise returns a standard normal source seeded with seed.
func NewNoise(seed uint64) *Noise {
	return &Noise{
		dist: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
	}
}

// Fill overwrites dst with independent N(0, 1) draws.
func (n *Noise) Fill(dst []float32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range dst {
		dst[i] = float32(n.dist.Rand())
	}
}
