package qmc

import (
	"math"
	"math/rand"
)

// ShiftUpdater moves one hybridization-coupled operator to a nearby time
// inside the active window. The proposal is symmetric, so the acceptance
// ratio is the bare weight ratio.
//
// MaxShift is tuned toward a target acceptance rate during thermalization
// and frozen afterwards: retuning in production would break detailed balance.
type ShiftUpdater struct {
	MaxShift float64
	frozen   bool
	stats    AcceptanceTracker
}

const (
	shiftTargetRate  = 0.5
	shiftTuneEvery   = 200
	shiftTuneFactor  = 1.1
	shiftMinInterval = 1e-10
)

func (u *ShiftUpdater) Name() string { return "operator_shift" }

func (u *ShiftUpdater) Stats() *AcceptanceTracker { return &u.stats }

// Freeze stops step-size adaptation; called once at the end of
// thermalization.
func (u *ShiftUpdater) Freeze() { u.frozen = true }

func (u *ShiftUpdater) Propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	accepted := u.propose(rng, cfg, win)
	u.stats.record(accepted)
	u.tune(win)
	return accepted
}

func (u *ShiftUpdater) tune(win *SlidingWindow) {
	if u.frozen || u.stats.Proposed == 0 || u.stats.Proposed%shiftTuneEvery != 0 {
		return
	}
	lo, hi := win.ActiveInterval()
	if u.stats.RecentRate() > shiftTargetRate {
		u.MaxShift = math.Min(u.MaxShift*shiftTuneFactor, hi-lo)
	} else {
		u.MaxShift = math.Max(u.MaxShift/shiftTuneFactor, shiftMinInterval)
	}
}

func (u *ShiftUpdater) propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	lo, hi := win.ActiveInterval()
	idxs := cfg.Ops.InInterval(lo, hi)
	if len(idxs) == 0 {
		return false
	}
	i := idxs[rng.Intn(len(idxs))]
	old := cfg.Ops[i]
	t := old.Time + (2*rng.Float64()-1)*u.MaxShift
	if t < lo || t >= hi {
		return false
	}
	if timesCollide(cfg.MergedOps(), t, nil) {
		return false
	}
	newOp := Operator{Time: t, Type: old.Type, Flavor: old.Flavor}

	bi, isAnn, li, ok := cfg.M.Locate(old)
	if !ok {
		return false
	}
	rep, ok := cfg.M.ProposeReplace(bi, isAnn, li, newOp)
	if !ok || rep.Ratio() == 0 {
		return false
	}

	newOps := cfg.Ops.Replace(i, newOp)
	mergedNew := newOps
	if cfg.Worm != nil {
		mergedNew = newOps.Merge(cfg.Worm.Ops)
	}
	traceNew := win.TraceWithOps(mergedNew)

	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, rep.Ratio(), 1)) {
		return false
	}
	cfg.M.ApplyReplace(rep)
	cfg.Ops = newOps
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

// FlavorSwapUpdater exchanges the flavor labels of two operators inside the
// active window. The proposal is symmetric. Because a flavor change can move
// an operator between hybridization blocks, the candidate matrix is rebuilt
// from scratch rather than fast-updated.
type FlavorSwapUpdater struct {
	stats AcceptanceTracker
}

func (u *FlavorSwapUpdater) Name() string { return "flavor_swap" }

func (u *FlavorSwapUpdater) Stats() *AcceptanceTracker { return &u.stats }

func (u *FlavorSwapUpdater) Propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	accepted := u.propose(rng, cfg, win)
	u.stats.record(accepted)
	return accepted
}

func (u *FlavorSwapUpdater) propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	lo, hi := win.ActiveInterval()
	idxs := cfg.Ops.InInterval(lo, hi)
	if len(idxs) < 2 {
		return false
	}
	pick := chooseK(rng, idxs, 2)
	a, b := cfg.Ops[pick[0]], cfg.Ops[pick[1]]
	if a.Flavor == b.Flavor {
		return false
	}
	newOps := cfg.Ops.Clone()
	newOps[pick[0]].Flavor = b.Flavor
	newOps[pick[1]].Flavor = a.Flavor
	// swapping an annihilator with a creator of another flavor can leave a
	// block with unmatched operator counts; such a configuration has zero
	// weight
	if !blocksBalanced(cfg.M, newOps) {
		return false
	}

	candM := cfg.M.Clone()
	candM.Rebuild(newOps)
	detRatio := candM.DetTotal().Abs().Div(cfg.M.DetTotal().Abs()).Float64()

	mergedNew := newOps
	if cfg.Worm != nil {
		mergedNew = newOps.Merge(cfg.Worm.Ops)
	}
	traceNew := win.TraceWithOps(mergedNew)

	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, detRatio, 1)) {
		return false
	}
	cfg.M = candM
	cfg.Ops = newOps
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}
