package qmc

import (
	"math/rand"

	"github.com/sirupsen/logrus"
)

// Global updaters act on every operator at once, so they are only run when
// the active window spans the whole interval [0, beta). Candidate weights are
// recomputed from scratch; no fast-update path exists for these moves.

// GlobalShiftUpdater translates all operator times by a common random offset
// modulo beta. For a translation-invariant hybridization the move probes the
// wrap-around sign structure; a rejection there indicates an inconsistency in
// the weight evaluation and is logged.
type GlobalShiftUpdater struct {
	translationInvariant bool
	stats                AcceptanceTracker
}

// NewGlobalShiftUpdater builds the updater; translationInvariant mirrors the
// hybridization's declared symmetry.
func NewGlobalShiftUpdater(translationInvariant bool) *GlobalShiftUpdater {
	return &GlobalShiftUpdater{translationInvariant: translationInvariant}
}

func (u *GlobalShiftUpdater) Name() string { return "global_shift" }

func (u *GlobalShiftUpdater) Stats() *AcceptanceTracker { return &u.stats }

func (u *GlobalShiftUpdater) Propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	accepted := u.propose(rng, cfg, win)
	u.stats.record(accepted)
	return accepted
}

func (u *GlobalShiftUpdater) propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	if win.NumSegments() != 1 {
		logrus.Fatalf("global shift proposed at window size %d", win.NumSegments())
	}
	if cfg.Order() == 0 && cfg.Worm == nil {
		return false
	}
	_, beta := win.ActiveInterval()
	delta := rng.Float64() * beta

	newOps := rotateTimes(cfg.Ops, delta, beta)
	var newWorm *Worm
	mergedNew := newOps
	if cfg.Worm != nil {
		newWorm = &Worm{Kind: cfg.Worm.Kind, Ops: rotateTimes(cfg.Worm.Ops, delta, beta)}
		mergedNew = newOps.Merge(newWorm.Ops)
	}

	candM := cfg.M.Clone()
	candM.Rebuild(newOps)
	detRatio := candM.DetTotal().Abs().Div(cfg.M.DetTotal().Abs()).Float64()
	traceNew := win.TraceWithOps(mergedNew)

	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, detRatio, 1)) {
		if u.translationInvariant {
			logrus.Warnf("global shift rejected under translation-invariant hybridization (order=%d)", cfg.Order())
		}
		return false
	}
	cfg.M = candM
	cfg.Ops = newOps
	cfg.Worm = newWorm
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

// rotateTimes shifts every time by delta modulo beta, keeping the sequence
// sorted by rotating the wrapped prefix to the front. Equal-time groups never
// straddle the wrap point, so their relative order is preserved.
func rotateTimes(ops OperatorSequence, delta, beta float64) OperatorSequence {
	if len(ops) == 0 {
		return ops
	}
	var wrapped, rest OperatorSequence
	for _, op := range ops {
		t := op.Time + delta
		if t >= beta {
			t -= beta
			wrapped = append(wrapped, Operator{Time: t, Type: op.Type, Flavor: op.Flavor})
		} else {
			rest = append(rest, Operator{Time: t, Type: op.Type, Flavor: op.Flavor})
		}
	}
	return append(wrapped, rest...)
}

// GlobalFlavorPermUpdater exchanges two flavor labels on every operator.
// The proposal is symmetric (the swap is its own inverse).
type GlobalFlavorPermUpdater struct {
	Flavors int
	stats   AcceptanceTracker
}

func (u *GlobalFlavorPermUpdater) Name() string { return "global_flavor_perm" }

func (u *GlobalFlavorPermUpdater) Stats() *AcceptanceTracker { return &u.stats }

func (u *GlobalFlavorPermUpdater) Propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	accepted := u.propose(rng, cfg, win)
	u.stats.record(accepted)
	return accepted
}

func (u *GlobalFlavorPermUpdater) propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	if win.NumSegments() != 1 {
		logrus.Fatalf("global flavor permutation proposed at window size %d", win.NumSegments())
	}
	if u.Flavors < 2 {
		return false
	}
	fa := rng.Intn(u.Flavors)
	fb := rng.Intn(u.Flavors)
	if fa == fb {
		return false
	}
	swap := func(ops OperatorSequence) OperatorSequence {
		out := ops.Clone()
		for i := range out {
			switch out[i].Flavor {
			case fa:
				out[i].Flavor = fb
			case fb:
				out[i].Flavor = fa
			}
		}
		return out
	}

	newOps := swap(cfg.Ops)
	// relabeling across blocks can leave a block with unmatched operator
	// counts; such a configuration has zero weight
	if !blocksBalanced(cfg.M, newOps) {
		return false
	}
	var newWorm *Worm
	mergedNew := newOps
	if cfg.Worm != nil {
		newWorm = &Worm{Kind: cfg.Worm.Kind, Ops: swap(cfg.Worm.Ops)}
		mergedNew = newOps.Merge(newWorm.Ops)
	}

	candM := cfg.M.Clone()
	candM.Rebuild(newOps)
	detRatio := candM.DetTotal().Abs().Div(cfg.M.DetTotal().Abs()).Float64()
	traceNew := win.TraceWithOps(mergedNew)

	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, detRatio, 1)) {
		return false
	}
	cfg.M = candM
	cfg.Ops = newOps
	cfg.Worm = newWorm
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

// blocksBalanced checks that every hybridization block sees equally many
// annihilators and creators in ops.
func blocksBalanced(m *BlockMatrix, ops OperatorSequence) bool {
	ann := map[int]int{}
	cre := map[int]int{}
	for _, op := range ops {
		bi := m.BlockIndex(op.Flavor)
		if op.Type == Annihilation {
			ann[bi]++
		} else {
			cre[bi]++
		}
	}
	for bi, n := range ann {
		if cre[bi] != n {
			return false
		}
	}
	for bi, n := range cre {
		if ann[bi] != n {
			return false
		}
	}
	return true
}
