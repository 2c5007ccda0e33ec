package qmc

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gonum.org/v1/gonum/mat"
)

// cfgState is a deep copy of everything an updater may touch, for rollback
// bit-identity checks.
type cfgState struct {
	ops   OperatorSequence
	worm  *Worm
	trace ExtFloat
	sign  float64
	space ConfigSpace
	dets  []ExtFloat
	ms    []*mat.Dense
	anns  []OperatorSequence
	cres  []OperatorSequence
}

func captureState(cfg *Configuration) cfgState {
	st := cfgState{
		ops:   cfg.Ops.Clone(),
		worm:  cfg.Worm.Clone(),
		trace: cfg.Trace,
		sign:  cfg.Sign,
		space: cfg.Space,
	}
	for _, b := range cfg.M.Blocks() {
		st.dets = append(st.dets, b.Det)
		st.anns = append(st.anns, b.Ann.Clone())
		st.cres = append(st.cres, b.Cre.Clone())
		if b.M != nil {
			st.ms = append(st.ms, mat.DenseCopyOf(b.M))
		} else {
			st.ms = append(st.ms, nil)
		}
	}
	return st
}

// seqsEqual compares element by element so a nil sequence and an empty
// captured copy count as equal.
func seqsEqual(a, b OperatorSequence) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func wormsEqual(a, b *Worm) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Kind == b.Kind && seqsEqual(a.Ops, b.Ops)
}

func assertStateUnchanged(t *testing.T, st cfgState, cfg *Configuration, context string) {
	t.Helper()
	require.True(t, seqsEqual(st.ops, cfg.Ops), "%s: Ops changed on rejection", context)
	require.True(t, wormsEqual(st.worm, cfg.Worm), "%s: Worm changed on rejection", context)
	require.Equal(t, st.trace, cfg.Trace, "%s: Trace changed on rejection", context)
	require.Equal(t, st.sign, cfg.Sign, "%s: Sign changed on rejection", context)
	require.Equal(t, st.space, cfg.Space, "%s: Space changed on rejection", context)
	for i, b := range cfg.M.Blocks() {
		require.Equal(t, st.dets[i], b.Det, "%s: block %d Det changed on rejection", context, i)
		require.True(t, seqsEqual(st.anns[i], b.Ann), "%s: block %d Ann changed on rejection", context, i)
		require.True(t, seqsEqual(st.cres[i], b.Cre), "%s: block %d Cre changed on rejection", context, i)
		if st.ms[i] == nil {
			require.Nil(t, b.M, "%s: block %d M appeared on rejection", context, i)
		} else {
			require.True(t, mat.Equal(st.ms[i], b.M), "%s: block %d M changed on rejection", context, i)
		}
	}
}

func TestUpdaters_RejectionIsBitIdentical(t *testing.T) {
	cfg, win := newTestConfig(t, 2, 5)
	rng := rand.New(rand.NewSource(1))

	updaters := []Updater{
		&PairInsertUpdater{Flavors: 2, Rank: 1},
		&PairRemoveUpdater{Flavors: 2, Rank: 1},
		&PairInsertUpdater{Flavors: 2, Rank: 1, Diagonal: true},
		&PairRemoveUpdater{Flavors: 2, Rank: 1, Diagonal: true},
		&PairInsertUpdater{Flavors: 2, Rank: 2},
		&PairRemoveUpdater{Flavors: 2, Rank: 2},
		&ShiftUpdater{MaxShift: 1.0},
		&FlavorSwapUpdater{},
	}

	rejections := 0
	for step := 0; step < 400; step++ {
		for _, u := range updaters {
			before := captureState(cfg)
			if !u.Propose(rng, cfg, win) {
				rejections++
				assertStateUnchanged(t, before, cfg, u.Name())
			}
		}
		win.MoveToNextPosition(cfg.MergedOps())
	}
	assert.Greater(t, rejections, 0, "test never exercised a rejection")
	assert.NoError(t, cfg.ConsistencyCheck(win, 1e-7))
}

func TestUpdaters_AcceptedStateStaysConsistent(t *testing.T) {
	cfg, win := newTestConfig(t, 2, 4)
	rng := rand.New(rand.NewSource(77))

	updaters := []Updater{
		&PairInsertUpdater{Flavors: 2, Rank: 1},
		&PairRemoveUpdater{Flavors: 2, Rank: 1},
		&ShiftUpdater{MaxShift: 2.0},
		&FlavorSwapUpdater{},
	}
	accepted := 0
	for step := 0; step < 300; step++ {
		for _, u := range updaters {
			if u.Propose(rng, cfg, win) {
				accepted++
			}
		}
		if step%25 == 0 {
			require.NoError(t, cfg.ConsistencyCheck(win, 1e-7), "step %d", step)
		}
		win.MoveToNextPosition(cfg.MergedOps())
	}
	assert.Greater(t, accepted, 0, "chain never moved")
	assert.Greater(t, cfg.Order(), 0, "no pairs survived 300 steps of mixing")
}

// A flavor swap between an annihilator and a creator of different flavors
// moves both across per-flavor hybridization blocks and leaves each block
// with unmatched operator counts. Such proposals are zero-weight rejections,
// never candidate rebuilds.
func TestFlavorSwap_UnbalancedBlocksRejected(t *testing.T) {
	cfg, win := newTestConfig(t, 2, 1)
	rng := rand.New(rand.NewSource(5))

	// one hybridization pair per flavor
	for _, f := range []int{0, 1} {
		ann := Operator{Time: 1.0 + float64(f), Type: Annihilation, Flavor: f}
		cre := Operator{Time: 5.0 + float64(f), Type: Creation, Flavor: f}
		aux, ok := cfg.M.ProposeInsert([]Operator{ann}, []Operator{cre})
		require.True(t, ok)
		cfg.M.ApplyInsert(aux)
		cfg.Ops = cfg.Ops.Insert(ann).Insert(cre)
	}
	cfg.Trace = win.ComputeTrace(cfg.MergedOps())
	cfg.RefreshSign()
	require.NoError(t, cfg.ConsistencyCheck(win, 1e-9))

	// among the 6 possible picks, annihilator/creator cross-flavor pairs
	// unbalance both blocks; 500 attempts exercise them many times over
	u := &FlavorSwapUpdater{}
	for i := 0; i < 500; i++ {
		before := captureState(cfg)
		if !u.Propose(rng, cfg, win) {
			assertStateUnchanged(t, before, cfg, u.Name())
		}
	}
	require.NoError(t, cfg.ConsistencyCheck(win, 1e-7))
}

// Detailed balance requires the forward and reverse proposal corrections to
// cancel against each other exactly.
func TestCorrectionFactors_InsertRemoveInverse(t *testing.T) {
	tests := []struct {
		name     string
		flavors  int
		rank     int
		diagonal bool
		na, nc   int
	}{
		{"rank1 empty window", 2, 1, false, 0, 0},
		{"rank1 occupied", 2, 1, false, 3, 5},
		{"rank2", 2, 2, false, 2, 2},
		{"rank3 asymmetric", 4, 3, false, 1, 6},
		{"diagonal", 2, 1, true, 2, 2},
	}
	length := 1.7
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ins := &PairInsertUpdater{Flavors: tt.flavors, Rank: tt.rank, Diagonal: tt.diagonal}
			rem := &PairRemoveUpdater{Flavors: tt.flavors, Rank: tt.rank, Diagonal: tt.diagonal}
			k := tt.rank
			if tt.diagonal {
				k = 1
			}
			fwd := ins.insertCorrection(length, tt.na, tt.nc, k)
			rev := rem.removeCorrection(length, tt.na+k, tt.nc+k, k)
			assert.InEpsilon(t, 1.0, fwd*rev, 1e-12)
		})
	}
}

func TestAcceptProb(t *testing.T) {
	one := NewExtFloat(1)
	two := NewExtFloat(2)

	assert.InEpsilon(t, 2.0, acceptProb(two, one, 1, 1), 1e-15)
	assert.InEpsilon(t, 1.0, acceptProb(two, one, -0.25, 2), 1e-15, "det ratio enters in magnitude")
	assert.Equal(t, 0.0, acceptProb(ExtFloat{}, one, 1, 1), "zero candidate weight")
	assert.True(t, math.IsNaN(acceptProb(one, ExtFloat{}, 1, 1)), "zero denominator is NaN, rejected downstream")

	// overflow collapses to +Inf, which metropolis accepts with certainty
	huge := ExtFloatFromLog(10000, 1)
	assert.True(t, math.IsInf(acceptProb(huge, one, 1, 1), 1))
	assert.True(t, metropolis(nil, acceptProb(huge, one, 1, 1)))
}

func TestMetropolis(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	assert.False(t, metropolis(rng, math.NaN()))
	assert.False(t, metropolis(rng, 0))
	assert.False(t, metropolis(rng, -3))
	assert.True(t, metropolis(rng, 1))
	assert.True(t, metropolis(rng, 17))

	// p = 0.3 accepted roughly 30% of the time
	hits := 0
	for i := 0; i < 10000; i++ {
		if metropolis(rng, 0.3) {
			hits++
		}
	}
	assert.InDelta(t, 3000, hits, 300)
}

func TestShiftUpdater_TuningFreezes(t *testing.T) {
	cfg, win := newTestConfig(t, 1, 1)
	rng := rand.New(rand.NewSource(4))

	// populate the sequence so shifts have targets
	ins := &PairInsertUpdater{Flavors: 1, Rank: 1}
	for i := 0; i < 200; i++ {
		ins.Propose(rng, cfg, win)
	}
	require.Greater(t, cfg.Order(), 0)

	u := &ShiftUpdater{MaxShift: testBeta / 10}
	for i := 0; i < 1000; i++ {
		u.Propose(rng, cfg, win)
	}
	tuned := u.MaxShift

	u.Freeze()
	for i := 0; i < 1000; i++ {
		u.Propose(rng, cfg, win)
	}
	assert.Equal(t, tuned, u.MaxShift, "step size must not adapt after freeze")
}

func TestChooseK(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	idxs := []int{3, 7, 11, 19}
	for trial := 0; trial < 100; trial++ {
		got := chooseK(rng, idxs, 2)
		require.Len(t, got, 2)
		assert.NotEqual(t, got[0], got[1], "picks must be distinct")
		for _, v := range got {
			assert.Contains(t, idxs, v)
		}
	}
	assert.Equal(t, []int{3, 7, 11, 19}, idxs, "input must not be shuffled")
}

func TestBinomialFactorial(t *testing.T) {
	assert.Equal(t, 1.0, binomial(5, 0))
	assert.Equal(t, 10.0, binomial(5, 2))
	assert.Equal(t, 0.0, binomial(3, 5))
	assert.Equal(t, 0.0, binomial(3, -1))
	assert.Equal(t, 1.0, factorial(0))
	assert.Equal(t, 120.0, factorial(5))
}
