package qmc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impurity-sim/impurity-sim/qmc/model"
)

func testModel(t *testing.T, flavors int, mu, u float64) *model.LocalModel {
	t.Helper()
	lm, err := model.NewLocalModel(testBeta, flavors, mu, u)
	require.NoError(t, err)
	return lm
}

func TestSlidingWindow_EmptyTraceIsPartitionFunction(t *testing.T) {
	lm := testModel(t, 2, 0.7, 2.0)
	w := NewSlidingWindow(lm, 4, nil)

	var z float64
	for n := 0; n < lm.Dim(); n++ {
		z += math.Exp(-testBeta * lm.Energy(n))
	}
	got := w.ComputeTrace(nil)
	assert.InEpsilon(t, math.Log(z), got.Log(), 1e-12)
	assert.Equal(t, 1.0, got.Sign())
}

func TestSlidingWindow_SingleSegmentTraceAnalytic(t *testing.T) {
	// one flavor, one (c, c+) pair: only the path through the occupied state
	// contributes, trace = exp(mu * (beta - (t2 - t1)))
	mu := 0.9
	lm := testModel(t, 1, mu, 0)
	t1, t2 := 2.0, 7.0
	ops := OperatorSequence{}.
		Insert(Operator{Time: t1, Type: Annihilation}).
		Insert(Operator{Time: t2, Type: Creation})

	w := NewSlidingWindow(lm, 1, ops)
	want := mu * (testBeta - (t2 - t1))
	assert.InEpsilon(t, want, w.ComputeTrace(ops).Log(), 1e-12)
}

func TestSlidingWindow_TraceIndependentOfSegmentCount(t *testing.T) {
	lm := testModel(t, 2, 0.5, 1.5)
	rng := rand.New(rand.NewSource(21))
	ops := randPairs(rng, 5, 2)

	ref := NewSlidingWindow(lm, 1, ops).ComputeTrace(ops)
	for _, nseg := range []int{2, 3, 7, 16} {
		w := NewSlidingWindow(lm, nseg, ops)
		got := w.ComputeTrace(ops)
		assert.Less(t, ref.RelDiff(got), 1e-12, "nseg=%d", nseg)
	}
}

func TestSlidingWindow_TraceWithOpsMatchesScratch(t *testing.T) {
	lm := testModel(t, 2, 0.5, 1.5)
	rng := rand.New(rand.NewSource(5))
	ops := randPairs(rng, 6, 2)

	w := NewSlidingWindow(lm, 6, ops)
	scratch := w.ComputeTrace(ops)
	got := w.TraceWithOps(ops)
	assert.Less(t, scratch.RelDiff(got), 1e-10)

	// a candidate differing only inside the active window
	lo, hi := w.ActiveInterval()
	cand := ops.Insert(Operator{Time: lo + 0.3*(hi-lo), Type: Annihilation, Flavor: 0}).
		Insert(Operator{Time: lo + 0.6*(hi-lo), Type: Creation, Flavor: 0})
	assert.Less(t, w.ComputeTrace(cand).RelDiff(w.TraceWithOps(cand)), 1e-10)
}

func TestSlidingWindow_FullCycleKeepsCachesValid(t *testing.T) {
	lm := testModel(t, 2, 0.5, 1.5)
	rng := rand.New(rand.NewSource(8))
	ops := randPairs(rng, 8, 2)

	for _, nseg := range []int{3, 4, 5, 9} {
		w := NewSlidingWindow(lm, nseg, ops)
		scratch := w.ComputeTrace(ops)
		require.True(t, w.AtSweepStart())

		seen := map[int]bool{}
		for step := 0; step < w.CycleLength(); step++ {
			seen[w.Position()] = true
			got := w.TraceWithOps(ops)
			assert.Less(t, scratch.RelDiff(got), 1e-10,
				"nseg=%d step=%d pos=%d dir=%d", nseg, step, w.Position(), w.Direction())
			w.MoveToNextPosition(ops)
		}
		assert.True(t, w.AtSweepStart(), "nseg=%d cursor must return after a full cycle", nseg)
		for p := 0; p <= nseg-2; p++ {
			assert.True(t, seen[p], "nseg=%d position %d never visited", nseg, p)
		}
	}
}

func TestSlidingWindow_CacheRefreshAfterAcceptedChange(t *testing.T) {
	// mutate the sequence inside the active window, advance through a full
	// cycle, and check the caches absorb the change correctly
	lm := testModel(t, 1, 0.5, 0)
	rng := rand.New(rand.NewSource(13))
	ops := randPairs(rng, 4, 1)

	w := NewSlidingWindow(lm, 5, ops)
	lo, hi := w.ActiveInterval()
	ops = ops.Insert(Operator{Time: lo + 0.5*(hi-lo), Type: Annihilation, Flavor: 0}).
		Insert(Operator{Time: lo + 0.7*(hi-lo), Type: Creation, Flavor: 0})

	scratch := w.ComputeTrace(ops)
	for step := 0; step < 2*w.CycleLength(); step++ {
		w.MoveToNextPosition(ops)
		assert.Less(t, scratch.RelDiff(w.TraceWithOps(ops)), 1e-10, "step %d", step)
	}
}

func TestSlidingWindow_BoundaryTimes(t *testing.T) {
	lm := testModel(t, 1, 0.5, 0)
	ops := OperatorSequence{}.
		Insert(Operator{Time: 0, Type: Annihilation}).
		Insert(Operator{Time: testBeta * (1 - 1e-12), Type: Creation})

	for _, nseg := range []int{1, 4} {
		w := NewSlidingWindow(lm, nseg, ops)
		tr := w.ComputeTrace(ops)
		assert.False(t, tr.IsNaN(), "nseg=%d", nseg)
		assert.False(t, tr.IsZero(), "nseg=%d", nseg)
	}
	a := NewSlidingWindow(lm, 1, ops).ComputeTrace(ops)
	b := NewSlidingWindow(lm, 4, ops).ComputeTrace(ops)
	assert.Less(t, a.RelDiff(b), 1e-10)
}

func TestSlidingWindow_CycleLength(t *testing.T) {
	lm := testModel(t, 1, 0, 0)
	tests := []struct {
		nseg int
		want int
	}{
		{1, 1},
		{2, 1},
		{3, 2},
		{4, 4},
		{10, 16},
	}
	for _, tt := range tests {
		w := NewSlidingWindow(lm, tt.nseg, nil)
		assert.Equal(t, tt.want, w.CycleLength(), "nseg=%d", tt.nseg)
	}
}

func TestSlidingWindow_ActiveInterval(t *testing.T) {
	lm := testModel(t, 1, 0, 0)

	w := NewSlidingWindow(lm, 1, nil)
	lo, hi := w.ActiveInterval()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, testBeta, hi)

	w = NewSlidingWindow(lm, 5, nil)
	lo, hi = w.ActiveInterval()
	assert.Equal(t, 0.0, lo)
	assert.InDelta(t, 2*testBeta/5, hi, 1e-15, "two segments active")

	// extreme-range safety: deep in a large-beta run the propagator scale
	// leaves float64 range but the trace stays well defined
	big, err := model.NewLocalModel(2000, 1, 1.0, 0)
	require.NoError(t, err)
	wb := NewSlidingWindow(big, 8, nil)
	tr := wb.ComputeTrace(nil)
	assert.False(t, tr.IsNaN())
	assert.InEpsilon(t, 2000.0, tr.Log(), 1e-6, "log Z ~ beta*mu for the occupied state")
}
