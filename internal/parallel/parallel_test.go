package parallel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEachVisitsEveryIndexOnce(t *testing.T) {
	for _, cfg := range []Config{
		DefaultConfig(),
		{Workers: 1, MinChunk: 1},
		{Workers: 4, MinChunk: 1},
		{Workers: 16, MinChunk: 0},
	} {
		counts := make([]int32, 1000)
		Each(len(counts), cfg, func(i int) {
			atomic.AddInt32(&counts[i], 1)
		})
		for i, c := range counts {
			assert.Equal(t, int32(1), c, "index %d with %+v", i, cfg)
		}
	}
}

func TestRangesAreDisjoint(t *testing.T) {
	var (
		mu     sync.Mutex
		ranges [][2]int
	)
	Ranges(10, Config{Workers: 3, MinChunk: 1}, func(lo, hi int) {
		mu.Lock()
		ranges = append(ranges, [2]int{lo, hi})
		mu.Unlock()
	})

	covered := 0
	for _, r := range ranges {
		assert.Less(t, r[0], r[1])
		covered += r[1] - r[0]
	}
	assert.Equal(t, 10, covered)
	assert.Len(t, ranges, 3) // chunks of 4, 4, 2
}

func TestRangesSmallInputRunsInline(t *testing.T) {
	calls := 0
	Ranges(10, Config{Workers: 8, MinChunk: 64}, func(lo, hi int) {
		calls++
		assert.Equal(t, 0, lo)
		assert.Equal(t, 10, hi)
	})
	assert.Equal(t, 1, calls)

	Ranges(0, DefaultConfig(), func(int, int) { t.Fatal("called for empty range") })
}
