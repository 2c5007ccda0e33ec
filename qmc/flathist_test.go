package qmc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatHistogram_InitialState(t *testing.T) {
	fh := NewFlatHistogram([]WormKind{WormG1, WormTwoTimeN2})
	require.Len(t, fh.Spaces(), 3)
	assert.Equal(t, ZSpace, fh.Spaces()[0])
	for _, s := range fh.Spaces() {
		assert.Equal(t, 1.0, fh.Weight(s), "weights start uniform")
	}
	assert.Equal(t, 1.0, fh.LnF())
	assert.False(t, fh.Flat(), "nothing visited yet")
	assert.False(t, fh.Frozen())
}

func TestFlatHistogram_WeightRatio(t *testing.T) {
	fh := NewFlatHistogram([]WormKind{WormG1})
	w := WormSpace(WormG1)
	// visiting only the worm space pushes its weight down
	for i := 0; i < 10; i++ {
		fh.Visit(w)
	}
	assert.Less(t, fh.Weight(w), 1.0)
	assert.Equal(t, 1.0, fh.Weight(ZSpace), "reference stays pinned")
	assert.InEpsilon(t, fh.Weight(w), fh.WeightRatio(ZSpace, w), 1e-12)
	assert.InEpsilon(t, 1/fh.Weight(w), fh.WeightRatio(w, ZSpace), 1e-12)
}

// A two-state chain with bare weight ratio r: the learner must converge to
// space weights that equalize visits, i.e. weight(worm)/weight(Z) -> 1/r.
func TestFlatHistogram_ConvergesToInverseVolume(t *testing.T) {
	const r = 50.0 // worm space is 50x heavier before reweighting
	rng := rand.New(rand.NewSource(42))
	fh := NewFlatHistogram([]WormKind{WormG1})
	w := WormSpace(WormG1)
	bare := map[ConfigSpace]float64{ZSpace: 1, w: r}

	cur := ZSpace
	for step := 0; step < 400000; step++ {
		next := w
		if cur == w {
			next = ZSpace
		}
		p := bare[next] * fh.Weight(next) / (bare[cur] * fh.Weight(cur))
		if p >= 1 || rng.Float64() < p {
			cur = next
		}
		fh.Visit(cur)
	}

	require.True(t, fh.Converged(1e-3), "lnF stuck at %v", fh.LnF())
	got := fh.Weight(w) / fh.Weight(ZSpace)
	assert.InDelta(t, math.Log(1/r), math.Log(got), 0.2,
		"learned weight ratio %v, want ~%v", got, 1/r)
}

func TestFlatHistogram_FlatnessHalvesLnF(t *testing.T) {
	fh := NewFlatHistogram([]WormKind{WormG1})
	w := WormSpace(WormG1)
	start := fh.LnF()

	// perfectly alternating visits are flat immediately
	for i := 0; i < 10; i++ {
		fh.Visit(ZSpace)
		fh.Visit(w)
	}
	assert.Less(t, fh.LnF(), start, "modification factor never halved")
	assert.Equal(t, uint64(0), fh.Visits(ZSpace), "counts reset on halving")
}

func TestFlatHistogram_FreezeStopsLearning(t *testing.T) {
	fh := NewFlatHistogram([]WormKind{WormG1})
	w := WormSpace(WormG1)
	fh.Visit(w)
	learned := fh.Weight(w)

	fh.Freeze()
	require.True(t, fh.Frozen())
	for i := 0; i < 100; i++ {
		fh.Visit(w)
	}
	assert.Equal(t, learned, fh.Weight(w), "weights changed after freeze")
	assert.Equal(t, uint64(101), fh.Visits(w), "visit counting continues")
}

func TestFlatHistogram_StateRoundTrip(t *testing.T) {
	fh := NewFlatHistogram([]WormKind{WormG1, WormEqualTimeG1})
	for i := 0; i < 37; i++ {
		fh.Visit(WormSpace(WormG1))
		fh.Visit(ZSpace)
	}
	fh.Freeze()
	st := fh.state()

	restored := NewFlatHistogram([]WormKind{WormG1, WormEqualTimeG1})
	restored.restore(st)
	assert.Equal(t, fh.LnF(), restored.LnF())
	assert.True(t, restored.Frozen())
	for _, s := range fh.Spaces() {
		assert.Equal(t, fh.Weight(s), restored.Weight(s), "space %v", s)
	}
}
