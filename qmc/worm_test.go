package qmc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impurity-sim/impurity-sim/qmc/model"
)

func TestSpaceMachine_ConnectorRegistration(t *testing.T) {
	both := NewSpaceMachine(2, []WormKind{WormG1, WormEqualTimeG1})
	to, ok := both.connectorFor(WormG1)
	require.True(t, ok)
	assert.Equal(t, WormEqualTimeG1, to)
	to, ok = both.connectorFor(WormEqualTimeG1)
	require.True(t, ok)
	assert.Equal(t, WormG1, to)
	assert.Equal(t, 3, both.numChoices(WormG1))

	only := NewSpaceMachine(2, []WormKind{WormG1})
	_, ok = only.connectorFor(WormG1)
	assert.False(t, ok)
	assert.Equal(t, 2, only.numChoices(WormG1))

	n2 := NewSpaceMachine(2, []WormKind{WormG1, WormTwoTimeN2})
	_, ok = n2.connectorFor(WormTwoTimeN2)
	assert.False(t, ok, "density worm has no connector partner")
}

func TestSpaceMachine_DensityInv(t *testing.T) {
	sm := NewSpaceMachine(3, []WormKind{WormG1, WormEqualTimeG1, WormTwoTimeN2})
	l := 2.5
	assert.InEpsilon(t, l*3*l*3, sm.densityInv(WormG1, l), 1e-15, "two independent times and flavors")
	assert.InEpsilon(t, l*3*3, sm.densityInv(WormEqualTimeG1, l), 1e-15, "one time, two flavors")
	// the density-pair draw is canonicalized by time order, doubling the density
	assert.InEpsilon(t, l*l*3*3/2, sm.densityInv(WormTwoTimeN2, l), 1e-15)
}

func TestSpaceMachine_SampleWormShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	sm := NewSpaceMachine(2, []WormKind{WormG1, WormEqualTimeG1, WormTwoTimeN2})

	g1 := sm.sampleWorm(rng, WormG1, 0, testBeta, nil)
	require.NotNil(t, g1)
	require.Len(t, g1.Ops, 2)
	assert.NotEqual(t, g1.Ops[0].Time, g1.Ops[1].Time)

	et := sm.sampleWorm(rng, WormEqualTimeG1, 0, testBeta, nil)
	require.NotNil(t, et)
	require.Len(t, et.Ops, 2)
	assert.Equal(t, et.Ops[0].Time, et.Ops[1].Time)
	assert.Equal(t, Annihilation, et.Ops[0].Type, "annihilator applied first at equal time")
	assert.Equal(t, Creation, et.Ops[1].Type)

	n2 := sm.sampleWorm(rng, WormTwoTimeN2, 0, testBeta, nil)
	require.NotNil(t, n2)
	require.Len(t, n2.Ops, 4)
	assert.Equal(t, n2.Ops[0].Time, n2.Ops[1].Time, "first density pair shares a time")
	assert.Equal(t, n2.Ops[2].Time, n2.Ops[3].Time, "second density pair shares a time")
	assert.Equal(t, n2.Ops[0].Flavor, n2.Ops[1].Flavor)
	assert.Less(t, n2.Ops[0].Time, n2.Ops[2].Time, "pairs come out time ordered")

	// a collision with an existing operator rejects the draw eventually
	occupied := seq(1, 2, 3)
	for i := 0; i < 50; i++ {
		if w := sm.sampleWorm(rng, WormG1, 0, testBeta, occupied); w != nil {
			for _, op := range w.Ops {
				assert.False(t, occupied.HasTime(op.Time))
			}
		}
	}
}

func TestSpaceMachine_TransitionsKeepInvariants(t *testing.T) {
	cfg, win := newTestConfig(t, 2, 5)
	sm := NewSpaceMachine(2, []WormKind{WormG1, WormEqualTimeG1, WormTwoTimeN2})
	rng := rand.New(rand.NewSource(23))
	local := &PairInsertUpdater{Flavors: 2, Rank: 1}

	visitedWorm := false
	for step := 0; step < 3000; step++ {
		local.Propose(rng, cfg, win)
		sm.Attempt(rng, cfg, win)
		if cfg.Space != ZSpace {
			visitedWorm = true
			require.NotNil(t, cfg.Worm)
			require.Equal(t, WormSpace(cfg.Worm.Kind), cfg.Space)
		} else {
			require.Nil(t, cfg.Worm)
		}
		if step%100 == 0 {
			require.NoError(t, cfg.ConsistencyCheck(win, 1e-7), "step %d", step)
		}
		win.MoveToNextPosition(cfg.MergedOps())
	}
	assert.True(t, visitedWorm, "machine never entered a worm space")

	stats := sm.TransitionStats()
	assert.Greater(t, stats["worm_insert"].Proposed, uint64(0))
	assert.Greater(t, stats["worm_insert"].Accepted, uint64(0))
	assert.Greater(t, stats["worm_remove"].Proposed+stats["worm_move"].Proposed+
		stats["worm_connect"].Proposed, uint64(0))
}

func TestSpaceMachine_NeverTouchesMatrixOrSequence(t *testing.T) {
	cfg, win := newTestConfig(t, 2, 5)
	sm := NewSpaceMachine(2, []WormKind{WormG1, WormEqualTimeG1})
	rng := rand.New(rand.NewSource(31))
	local := &PairInsertUpdater{Flavors: 2, Rank: 1}

	for step := 0; step < 2000; step++ {
		local.Propose(rng, cfg, win)
		before := captureState(cfg)
		sm.Attempt(rng, cfg, win)
		// worm operators never enter the hybridization matrix and the
		// machine never edits the Z-function operator sequence
		require.True(t, seqsEqual(before.ops, cfg.Ops), "step %d", step)
		for i, b := range cfg.M.Blocks() {
			require.Equal(t, before.dets[i], b.Det, "step %d block %d", step, i)
		}
		// a rejected attempt in Z space leaves everything bit-identical
		if before.space == ZSpace && cfg.Space == ZSpace {
			assertStateUnchanged(t, before, cfg, "worm insert")
		}
		win.MoveToNextPosition(cfg.MergedOps())
	}
	assert.NoError(t, cfg.ConsistencyCheck(win, 1e-7))
}

// For mu = U = 0 and a single flavor the density-worm visit share is exact:
// the worm trace is half the partition function (one of the two occupation
// states is annihilated), the canonical t1 < t2 time domain has volume
// beta^2/2, so at frozen unit weights the visit ratio worm/Z is beta^2/4.
func TestSpaceMachine_DensityWormVisitShareIsExact(t *testing.T) {
	lm, err := model.NewLocalModel(1.0, 1, 0, 0)
	require.NoError(t, err)
	win := NewSlidingWindow(lm, 1, nil)
	cfg := NewConfiguration(lm, testHyb(1), win)

	sm := NewSpaceMachine(1, []WormKind{WormTwoTimeN2})
	sm.Hist.Freeze()
	rng := rand.New(rand.NewSource(11))
	for step := 0; step < 400000; step++ {
		sm.Attempt(rng, cfg, win)
	}

	z := float64(sm.Hist.Visits(ZSpace))
	w := float64(sm.Hist.Visits(WormSpace(WormTwoTimeN2)))
	require.Greater(t, z, 0.0)
	assert.InDelta(t, 0.25, w/z, 0.01, "visit ratio off its exact stationary value")
}

func TestWormInWindow(t *testing.T) {
	w := &Worm{Kind: WormG1, Ops: OperatorSequence{
		{Time: 1.0, Type: Annihilation},
		{Time: 2.0, Type: Creation},
	}}
	assert.True(t, wormInWindow(w, 0.5, 2.5))
	assert.False(t, wormInWindow(w, 1.5, 2.5), "annihilator outside")
	assert.False(t, wormInWindow(w, 0, 2.0), "upper edge is exclusive")
}
