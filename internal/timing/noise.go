// Package timing supplies optional, non-mechanical pacing between dispatched
// input events. The default dispatch path uses no delay at all (spec §4.6's
// CDP primitive sequence runs back-to-back); this package's Humanoid
// strategy is an opt-in alternative for callers who want less uniform
// interaction timing.
package timing

import (
	"math"
	"math/rand"
)

// pinkNoise implements the stochastic Voss-McCartney algorithm for 1/f
// noise: long-term-correlated variation, the kind physiological timing
// exhibits, as opposed to independent-per-sample white noise.
type pinkNoise struct {
	rng    *rand.Rand
	values []float64
	p      []float64
	pink   float64
	n      int
	scale  float64
}

func newPinkNoise(rng *rand.Rand, n int) *pinkNoise {
	if n <= 0 {
		n = 12
	}
	pn := &pinkNoise{
		rng:    rng,
		values: make([]float64, n),
		p:      make([]float64, n),
		n:      n,
		scale:  1.0 / math.Sqrt(float64(n)),
	}

	total := 0.0
	for i := 0; i < n; i++ {
		pn.p[i] = math.Pow(2, float64(-i))
		total += pn.p[i]
	}
	for i := 0; i < n; i++ {
		pn.p[i] /= total
	}
	for i := 0; i < n; i++ {
		pn.values[i] = pn.nextWhite()
		pn.pink += pn.values[i]
	}
	return pn
}

func (pn *pinkNoise) nextWhite() float64 {
	return pn.rng.Float64()*2.0 - 1.0
}

// next returns the next pink-noise sample, normalized to roughly [-1, 1].
func (pn *pinkNoise) next() float64 {
	r := pn.rng.Float64()
	cumulative := 0.0
	updateIndex := pn.n - 1
	for i := 0; i < pn.n; i++ {
		cumulative += pn.p[i]
		if r < cumulative {
			updateIndex = i
			break
		}
	}

	old := pn.values[updateIndex]
	next := pn.nextWhite()
	pn.values[updateIndex] = next
	pn.pink += next - old

	return math.Max(-1, math.Min(1, pn.pink*pn.scale))
}
