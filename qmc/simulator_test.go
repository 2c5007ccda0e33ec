package qmc

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/impurity-sim/impurity-sim/qmc/model"
)

func testSettings() Settings {
	return Settings{
		Seed:           7,
		ThermSweeps:    50,
		Sweeps:         100,
		WindowSegments: 4,
		GlobalInterval: 10,
		InsertRank:     1,
		WormKinds:      []WormKind{WormG1, WormEqualTimeG1},
		SelfCheck:      true,
		SelfCheckEvery: 25,
		SelfCheckTol:   1e-7,
	}
}

type recordingMeasurer struct {
	snapshots []*Snapshot
	orders    []int
	signs     []float64
}

func (r *recordingMeasurer) Measure(s *Snapshot) {
	r.snapshots = append(r.snapshots, s)
	r.orders = append(r.orders, s.Order)
	r.signs = append(r.signs, s.Sign)
}

func newTestSimulator(t *testing.T, flavors int, set Settings) *Simulator {
	t.Helper()
	lm := testModel(t, flavors, 0.5, 1.0)
	s, err := NewSimulator(lm, testHyb(flavors), set)
	require.NoError(t, err)
	return s
}

func TestSimulator_RunCompletes(t *testing.T) {
	set := testSettings()
	s := newTestSimulator(t, 2, set)
	rec := &recordingMeasurer{}
	s.SetMeasurer(rec)

	require.NoError(t, s.Run())
	assert.Equal(t, set.ThermSweeps+set.Sweeps, s.Sweeps())
	assert.Len(t, rec.snapshots, int(set.Sweeps), "one snapshot per production sweep")
	assert.NoError(t, s.Configuration().ConsistencyCheck(s.Window(), 1e-7))
	assert.True(t, s.SpaceMachine().Hist.Frozen(), "learner must be frozen after thermalization")
	assert.True(t, s.Window().AtSweepStart())
}

func TestSimulator_ChainActuallyMoves(t *testing.T) {
	s := newTestSimulator(t, 2, testSettings())
	rec := &recordingMeasurer{}
	s.SetMeasurer(rec)
	require.NoError(t, s.Run())

	nonZero := 0
	for _, k := range rec.orders {
		if k > 0 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, len(rec.orders)/2,
		"expansion order stuck at zero; the chain is not mixing")
}

func TestSimulator_SameSeedIsReproducible(t *testing.T) {
	run := func() []int {
		s := newTestSimulator(t, 2, testSettings())
		rec := &recordingMeasurer{}
		s.SetMeasurer(rec)
		require.NoError(t, s.Run())
		return rec.orders
	}
	assert.Equal(t, run(), run(), "identical seeds must give identical trajectories")
}

func TestSimulator_DifferentSeedsDiverge(t *testing.T) {
	run := func(seed int64) []int {
		set := testSettings()
		set.Seed = seed
		s := newTestSimulator(t, 2, set)
		rec := &recordingMeasurer{}
		s.SetMeasurer(rec)
		require.NoError(t, s.Run())
		return rec.orders
	}
	assert.NotEqual(t, run(7), run(8))
}

func TestSimulator_SignFreeModelHasUnitSign(t *testing.T) {
	// single flavor with a diagonal hybridization is sign-free
	set := testSettings()
	set.WormKinds = nil
	s := newTestSimulator(t, 1, set)
	rec := &recordingMeasurer{}
	s.SetMeasurer(rec)
	require.NoError(t, s.Run())

	for i, sign := range rec.signs {
		require.Equal(t, 1.0, sign, "sweep %d", i)
	}
}

// The single-pole bath is exactly solvable: impurity plus one bath level is a
// two-mode problem with single-particle eigenvalues lambda +/-, and the mean
// expansion order is V^2 * d ln Z / d V^2 of the exact partition function.
func exactMeanOrder(beta, mu, eps, v float64) float64 {
	r := math.Sqrt((eps+mu)*(eps+mu)/4 + v*v)
	lp := (eps-mu)/2 + r
	lm := (eps-mu)/2 - r
	fermi := func(l float64) float64 { return 1 / (math.Exp(beta*l) + 1) }
	return beta * v * v * (fermi(lm) - fermi(lp)) / (2 * r)
}

func TestSimulator_MeanOrderMatchesExactSolution(t *testing.T) {
	for _, eps := range []float64{0, 1.0} {
		mu, v := 0.5, 0.5
		lm := testModel(t, 1, mu, 0)
		hyb := &model.SinglePoleHybridization{V: v, Eps: eps, Beta: testBeta, NumFlavors: 1}

		set := testSettings()
		set.ThermSweeps = 1000
		set.Sweeps = 8000
		set.WormKinds = nil
		set.SelfCheck = false
		s, err := NewSimulator(lm, hyb, set)
		require.NoError(t, err)
		rec := &recordingMeasurer{}
		s.SetMeasurer(rec)
		require.NoError(t, s.Run())

		var sum float64
		for _, k := range rec.orders {
			sum += float64(k)
		}
		got := sum / float64(len(rec.orders))
		want := exactMeanOrder(testBeta, mu, eps, v)
		assert.InDelta(t, want, got, 0.25, "eps=%g: mean order %v, exact %v", eps, got, want)
	}
}

func TestSimulator_WallClockLimitStopsEarly(t *testing.T) {
	set := testSettings()
	set.Sweeps = 1 << 40
	set.WallClock = 50 * time.Millisecond
	set.SelfCheck = false
	s := newTestSimulator(t, 1, set)

	done := make(chan error, 1)
	go func() { done <- s.Run() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("wall-clock limit did not stop the run")
	}
	assert.Less(t, s.Sweeps(), set.ThermSweeps+set.Sweeps)
}

func TestSimulator_WindowRestoredAfterGlobalPass(t *testing.T) {
	set := testSettings()
	set.GlobalInterval = 1
	s := newTestSimulator(t, 2, set)
	require.NoError(t, s.Run())
	assert.Equal(t, set.WindowSegments, s.Window().NumSegments())
	assert.NoError(t, s.Configuration().ConsistencyCheck(s.Window(), 1e-7))
}

func TestNewSimulator_RejectsBadWindow(t *testing.T) {
	lm, err := model.NewLocalModel(testBeta, 1, 0.5, 0)
	require.NoError(t, err)
	_, err = NewSimulator(lm, testHyb(1), Settings{WindowSegments: 0})
	assert.Error(t, err)
}

func TestSimulator_NoWormKindsStaysInZ(t *testing.T) {
	set := testSettings()
	set.WormKinds = nil
	s := newTestSimulator(t, 2, set)
	rec := &recordingMeasurer{}
	s.SetMeasurer(rec)
	require.NoError(t, s.Run())
	for _, snap := range rec.snapshots {
		require.Equal(t, ZSpace, snap.Space)
		require.Nil(t, snap.Worm)
	}
}
