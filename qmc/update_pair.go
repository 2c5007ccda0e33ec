package qmc

import (
	"fmt"
	"math/rand"
)

// PairInsertUpdater inserts Rank matched (annihilation, creation) pairs at
// uniformly random times inside the active window. Rank > 1 improves mixing
// for strongly correlated models at the cost of a lower acceptance rate.
//
// Diagonal restricts each pair to a single shared flavor, the counterpart of
// PairRemoveUpdater's Diagonal mode.
type PairInsertUpdater struct {
	Flavors  int
	Rank     int
	Diagonal bool
	stats    AcceptanceTracker
}

func (u *PairInsertUpdater) Name() string {
	if u.Diagonal {
		return "diagonal_insert"
	}
	return fmt.Sprintf("pair_insert_rank%d", u.Rank)
}

func (u *PairInsertUpdater) Stats() *AcceptanceTracker { return &u.stats }

func (u *PairInsertUpdater) Propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	accepted := u.propose(rng, cfg, win)
	u.stats.record(accepted)
	return accepted
}

func (u *PairInsertUpdater) propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	k := u.Rank
	if u.Diagonal {
		k = 1
	}
	lo, hi := win.ActiveInterval()
	length := hi - lo
	merged := cfg.MergedOps()

	ann := make([]Operator, 0, k)
	cre := make([]Operator, 0, k)
	var chosen []float64
	for i := 0; i < k; i++ {
		fa := rng.Intn(u.Flavors)
		fc := fa
		if !u.Diagonal {
			fc = rng.Intn(u.Flavors)
		}
		ta := uniformTime(rng, lo, hi)
		tc := uniformTime(rng, lo, hi)
		if timesCollide(merged, ta, chosen) {
			return false
		}
		chosen = append(chosen, ta)
		if timesCollide(merged, tc, chosen) {
			return false
		}
		chosen = append(chosen, tc)
		ann = append(ann, Operator{Time: ta, Type: Annihilation, Flavor: fa})
		cre = append(cre, Operator{Time: tc, Type: Creation, Flavor: fc})
	}

	// group pairs per block; a pair straddling two blocks has zero weight
	detRatio, auxes, ok := proposeInsertGrouped(cfg.M, ann, cre)
	if !ok {
		return false
	}

	newOps := cfg.Ops
	for i := range ann {
		newOps = newOps.Insert(ann[i]).Insert(cre[i])
	}
	mergedNew := newOps
	if cfg.Worm != nil {
		mergedNew = newOps.Merge(cfg.Worm.Ops)
	}
	traceNew := win.TraceWithOps(mergedNew)

	na := len(typedWindowIndices(cfg.Ops, lo, hi, Annihilation, u.removalFlavor(ann)))
	nc := len(typedWindowIndices(cfg.Ops, lo, hi, Creation, u.removalFlavor(cre)))
	correction := u.insertCorrection(length, na, nc, k)

	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, detRatio, correction)) {
		return false
	}
	for _, aux := range auxes {
		cfg.M.ApplyInsert(aux)
	}
	cfg.Ops = newOps
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

// removalFlavor returns the flavor restriction of the reverse move: diagonal
// removals pick among same-flavor operators only.
func (u *PairInsertUpdater) removalFlavor(ops []Operator) int {
	if u.Diagonal {
		return ops[0].Flavor
	}
	return -1
}

// insertCorrection is the proposal-density ratio q(reverse)/q(forward) of a
// rank-k insertion. Forward draws k ordered (time, time, flavor, flavor)
// tuples, so k!^2 orderings produce the same operator set; the reverse picks
// unordered k-subsets of the window's annihilators and creators.
func (u *PairInsertUpdater) insertCorrection(length float64, na, nc, k int) float64 {
	if u.Diagonal {
		// flavor choice cancels between forward and reverse
		return length * length / (float64(na+1) * float64(nc+1))
	}
	lf := length * float64(u.Flavors)
	num := 1.0
	for i := 0; i < 2*k; i++ {
		num *= lf
	}
	den := factorial(k) * factorial(k) * binomial(na+k, k) * binomial(nc+k, k)
	return num / den
}

// proposeInsertGrouped splits the pairs by hybridization block and multiplies
// the per-block Woodbury ratios.
func proposeInsertGrouped(m *BlockMatrix, ann, cre []Operator) (float64, []*InsertAux, bool) {
	byBlock := map[int][2][]Operator{}
	for i := range ann {
		ba := m.BlockIndex(ann[i].Flavor)
		if m.BlockIndex(cre[i].Flavor) != ba {
			return 0, nil, false
		}
		g := byBlock[ba]
		g[0] = append(g[0], ann[i])
		g[1] = append(g[1], cre[i])
		byBlock[ba] = g
	}
	ratio := 1.0
	var auxes []*InsertAux
	for _, g := range byBlock {
		aux, ok := m.ProposeInsert(g[0], g[1])
		if !ok || aux.Ratio() == 0 {
			return 0, nil, false
		}
		ratio *= aux.Ratio()
		auxes = append(auxes, aux)
	}
	return ratio, auxes, true
}

// PairRemoveUpdater removes Rank matched pairs chosen uniformly among the
// operators inside the active window; the exact reverse of PairInsertUpdater.
type PairRemoveUpdater struct {
	Flavors  int
	Rank     int
	Diagonal bool
	stats    AcceptanceTracker
}

func (u *PairRemoveUpdater) Name() string {
	if u.Diagonal {
		return "diagonal_remove"
	}
	return fmt.Sprintf("pair_remove_rank%d", u.Rank)
}

func (u *PairRemoveUpdater) Stats() *AcceptanceTracker { return &u.stats }

func (u *PairRemoveUpdater) Propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	accepted := u.propose(rng, cfg, win)
	u.stats.record(accepted)
	return accepted
}

func (u *PairRemoveUpdater) propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	k := u.Rank
	flavor := -1
	if u.Diagonal {
		k = 1
		flavor = rng.Intn(u.Flavors)
	}
	lo, hi := win.ActiveInterval()
	length := hi - lo

	annIdxs := typedWindowIndices(cfg.Ops, lo, hi, Annihilation, flavor)
	creIdxs := typedWindowIndices(cfg.Ops, lo, hi, Creation, flavor)
	if len(annIdxs) < k || len(creIdxs) < k {
		return false
	}
	pickA := chooseK(rng, annIdxs, k)
	pickC := chooseK(rng, creIdxs, k)

	detRatio, removes, ok := proposeRemoveGrouped(cfg.M, cfg.Ops, pickA, pickC)
	if !ok {
		return false
	}

	newOps := cfg.Ops.Clone()
	drop := append(append([]int(nil), pickA...), pickC...)
	// delete from the highest index down so earlier indices stay valid
	for i := 0; i < len(drop); i++ {
		for j := i + 1; j < len(drop); j++ {
			if drop[j] > drop[i] {
				drop[i], drop[j] = drop[j], drop[i]
			}
		}
		newOps = newOps.Remove(drop[i])
	}
	mergedNew := newOps
	if cfg.Worm != nil {
		mergedNew = newOps.Merge(cfg.Worm.Ops)
	}
	traceNew := win.TraceWithOps(mergedNew)

	correction := u.removeCorrection(length, len(annIdxs), len(creIdxs), k)
	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, detRatio, correction)) {
		return false
	}
	for _, rem := range removes {
		cfg.M.ApplyRemove(rem)
	}
	cfg.Ops = newOps
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

// removeCorrection is the inverse of insertCorrection, with na/nc the window
// operator counts before removal.
func (u *PairRemoveUpdater) removeCorrection(length float64, na, nc, k int) float64 {
	if u.Diagonal {
		return float64(na) * float64(nc) / (length * length)
	}
	lf := length * float64(u.Flavors)
	den := 1.0
	for i := 0; i < 2*k; i++ {
		den *= lf
	}
	return factorial(k) * factorial(k) * binomial(na, k) * binomial(nc, k) / den
}

// proposeRemoveGrouped maps sequence indices to block-list positions, checks
// that each block loses matched pair counts, and multiplies the per-block
// Jacobi ratios.
func proposeRemoveGrouped(m *BlockMatrix, ops OperatorSequence, pickA, pickC []int) (float64, []*RemoveAux, bool) {
	type sel struct{ ann, cre []int }
	byBlock := map[int]*sel{}
	locate := func(i int, ann bool) bool {
		bi, isAnn, idx, ok := m.Locate(ops[i])
		if !ok || isAnn != ann {
			return false
		}
		g := byBlock[bi]
		if g == nil {
			g = &sel{}
			byBlock[bi] = g
		}
		if ann {
			g.ann = append(g.ann, idx)
		} else {
			g.cre = append(g.cre, idx)
		}
		return true
	}
	for _, i := range pickA {
		if !locate(i, true) {
			return 0, nil, false
		}
	}
	for _, i := range pickC {
		if !locate(i, false) {
			return 0, nil, false
		}
	}
	ratio := 1.0
	var removes []*RemoveAux
	for bi, g := range byBlock {
		if len(g.ann) != len(g.cre) {
			// unmatched removal would leave a rectangular block
			return 0, nil, false
		}
		rem, ok := m.ProposeRemove(bi, g.ann, g.cre)
		if !ok || rem.Ratio() == 0 {
			return 0, nil, false
		}
		ratio *= rem.Ratio()
		removes = append(removes, rem)
	}
	return ratio, removes, true
}
