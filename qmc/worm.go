package qmc

import (
	"math/rand"

	"github.com/sirupsen/logrus"
)

// SpaceMachine is the configuration-space state machine: it owns the
// registered worm kinds, the flat-histogram weight learner, and the
// transition kernels between the Z-function space and the worm spaces.
//
// Every transition's acceptance ratio includes the ratio of learned space
// weights, so detailed balance holds jointly across the combined space and
// the time spent in each space is controllable independent of its bare
// weight. The registry is built once at startup; there is no runtime
// registration.
type SpaceMachine struct {
	flavors int
	kinds   []WormKind
	Hist    *FlatHistogram

	insertStats  AcceptanceTracker
	removeStats  AcceptanceTracker
	moveStats    AcceptanceTracker
	connectStats AcceptanceTracker
}

// NewSpaceMachine builds the machine for the registered worm kinds.
func NewSpaceMachine(flavors int, kinds []WormKind) *SpaceMachine {
	return &SpaceMachine{
		flavors: flavors,
		kinds:   append([]WormKind(nil), kinds...),
		Hist:    NewFlatHistogram(kinds),
	}
}

// Kinds returns the registered worm kinds.
func (sm *SpaceMachine) Kinds() []WormKind { return sm.kinds }

func (sm *SpaceMachine) registered(k WormKind) bool {
	for _, r := range sm.kinds {
		if r == k {
			return true
		}
	}
	return false
}

// connectorFor returns the worm kind directly reachable from k without
// passing through the Z-function space, if a connector is registered.
// The only connector pairs the two-time and equal-time single-particle
// worms.
func (sm *SpaceMachine) connectorFor(k WormKind) (WormKind, bool) {
	switch k {
	case WormG1:
		if sm.registered(WormEqualTimeG1) {
			return WormEqualTimeG1, true
		}
	case WormEqualTimeG1:
		if sm.registered(WormG1) {
			return WormG1, true
		}
	}
	return 0, false
}

// numChoices returns how many transition kernels are offered in a worm
// space: remove, move, and optionally the connector. Enters the proposal
// densities of every cross-space move.
func (sm *SpaceMachine) numChoices(k WormKind) int {
	if _, ok := sm.connectorFor(k); ok {
		return 3
	}
	return 2
}

// Attempt runs one configuration-space transition attempt and records the
// visit in the flat histogram. Local updates within a space are not its
// business; it only inserts, removes, moves, or reconnects worms.
func (sm *SpaceMachine) Attempt(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) {
	if len(sm.kinds) == 0 {
		return
	}
	if cfg.Space == ZSpace {
		accepted := sm.tryInsert(rng, cfg, win)
		sm.insertStats.record(accepted)
	} else {
		switch rng.Intn(sm.numChoices(cfg.Worm.Kind)) {
		case 0:
			sm.removeStats.record(sm.tryRemove(rng, cfg, win))
		case 1:
			sm.moveStats.record(sm.tryMove(rng, cfg, win))
		default:
			sm.connectStats.record(sm.tryConnect(rng, cfg, win))
		}
	}
	sm.Hist.Visit(cfg.Space)
}

// densityInv is the inverse proposal density of sampling a worm of the given
// kind in a window of the given length: one factor of length per independent
// time and one factor of flavors per independent flavor label.
func (sm *SpaceMachine) densityInv(kind WormKind, length float64) float64 {
	f := float64(sm.flavors)
	switch kind {
	case WormG1:
		return length * f * length * f
	case WormEqualTimeG1:
		return length * f * f
	case WormTwoTimeN2:
		// the draw sorts the two density pairs by time, so two ordered draws
		// map onto every worm: the density is 2/(L^2 F^2), not 1/(L^2 F^2)
		return length * length * f * f / 2
	default:
		logrus.Fatalf("unregistered worm kind %v in proposal density", kind)
		return 0
	}
}

// sampleWorm draws a fresh worm of the given kind with all times in the
// active interval. Returns nil when a drawn time collides with an existing
// operator; the caller rejects.
func (sm *SpaceMachine) sampleWorm(rng *rand.Rand, kind WormKind, lo, hi float64, merged OperatorSequence) *Worm {
	switch kind {
	case WormG1:
		t1 := uniformTime(rng, lo, hi)
		t2 := uniformTime(rng, lo, hi)
		if t1 == t2 || timesCollide(merged, t1, nil) || timesCollide(merged, t2, nil) {
			return nil
		}
		ops := OperatorSequence{
			{Time: t1, Type: Annihilation, Flavor: rng.Intn(sm.flavors)},
		}
		ops = ops.Insert(Operator{Time: t2, Type: Creation, Flavor: rng.Intn(sm.flavors)})
		return &Worm{Kind: kind, Ops: ops}
	case WormEqualTimeG1:
		t := uniformTime(rng, lo, hi)
		if timesCollide(merged, t, nil) {
			return nil
		}
		// normal order: annihilator applied first at equal time
		return &Worm{Kind: kind, Ops: OperatorSequence{
			{Time: t, Type: Annihilation, Flavor: rng.Intn(sm.flavors)},
			{Time: t, Type: Creation, Flavor: rng.Intn(sm.flavors)},
		}}
	case WormTwoTimeN2:
		t1 := uniformTime(rng, lo, hi)
		t2 := uniformTime(rng, lo, hi)
		if t1 == t2 || timesCollide(merged, t1, nil) || timesCollide(merged, t2, nil) {
			return nil
		}
		f1 := rng.Intn(sm.flavors)
		f2 := rng.Intn(sm.flavors)
		if t2 < t1 {
			t1, t2 = t2, t1
			f1, f2 = f2, f1
		}
		return &Worm{Kind: kind, Ops: OperatorSequence{
			{Time: t1, Type: Annihilation, Flavor: f1},
			{Time: t1, Type: Creation, Flavor: f1},
			{Time: t2, Type: Annihilation, Flavor: f2},
			{Time: t2, Type: Creation, Flavor: f2},
		}}
	default:
		logrus.Fatalf("unregistered worm kind %v in worm sampling", kind)
		return nil
	}
}

// wormInWindow reports whether every worm operator lies in [lo, hi). Cross-
// space moves are only proposed when the worm sits inside the active window,
// where the reverse proposal density is well defined.
func wormInWindow(w *Worm, lo, hi float64) bool {
	for _, op := range w.Ops {
		if op.Time < lo || op.Time >= hi {
			return false
		}
	}
	return true
}

func (sm *SpaceMachine) tryInsert(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	kind := sm.kinds[rng.Intn(len(sm.kinds))]
	lo, hi := win.ActiveInterval()
	merged := cfg.MergedOps()
	worm := sm.sampleWorm(rng, kind, lo, hi, merged)
	if worm == nil {
		return false
	}
	traceNew := win.TraceWithOps(cfg.Ops.Merge(worm.Ops))

	// q(fwd) = (1/nKinds) * density; q(rev) = removal pick = 1/numChoices
	corr := sm.densityInv(kind, hi-lo) * float64(len(sm.kinds)) / float64(sm.numChoices(kind))
	corr *= sm.Hist.WeightRatio(ZSpace, WormSpace(kind))
	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, 1, corr)) {
		return false
	}
	cfg.Worm = worm
	cfg.Space = WormSpace(kind)
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

func (sm *SpaceMachine) tryRemove(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	lo, hi := win.ActiveInterval()
	if !wormInWindow(cfg.Worm, lo, hi) {
		return false
	}
	kind := cfg.Worm.Kind
	traceNew := win.TraceWithOps(cfg.Ops)

	corr := float64(sm.numChoices(kind)) / (sm.densityInv(kind, hi-lo) * float64(len(sm.kinds)))
	corr *= sm.Hist.WeightRatio(WormSpace(kind), ZSpace)
	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, 1, corr)) {
		return false
	}
	cfg.Worm = nil
	cfg.Space = ZSpace
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

func (sm *SpaceMachine) tryMove(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	lo, hi := win.ActiveInterval()
	if !wormInWindow(cfg.Worm, lo, hi) {
		return false
	}
	// resample times, keep flavors: symmetric proposal within the space
	fresh := sm.sampleWorm(rng, cfg.Worm.Kind, lo, hi, cfg.Ops)
	if fresh == nil {
		return false
	}
	for i := range fresh.Ops {
		fresh.Ops[i].Flavor = cfg.Worm.Ops[i].Flavor
	}
	traceNew := win.TraceWithOps(cfg.Ops.Merge(fresh.Ops))
	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, 1, 1)) {
		return false
	}
	cfg.Worm = fresh
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

// tryConnect moves directly between the two-time and equal-time
// single-particle worm spaces without passing through Z.
func (sm *SpaceMachine) tryConnect(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool {
	lo, hi := win.ActiveInterval()
	if !wormInWindow(cfg.Worm, lo, hi) {
		return false
	}
	from := cfg.Worm.Kind
	to, ok := sm.connectorFor(from)
	if !ok {
		return false
	}
	length := hi - lo

	var fresh *Worm
	var corr float64
	switch from {
	case WormG1:
		// collapse the creation time onto the annihilation time
		ann, cre := cfg.Worm.Ops[0], cfg.Worm.Ops[1]
		if cre.Type != Creation {
			ann, cre = cre, ann
		}
		fresh = &Worm{Kind: to, Ops: OperatorSequence{
			{Time: ann.Time, Type: Annihilation, Flavor: ann.Flavor},
			{Time: ann.Time, Type: Creation, Flavor: cre.Flavor},
		}}
		// forward deterministic, reverse samples the split time
		corr = 1 / length
	case WormEqualTimeG1:
		t2 := uniformTime(rng, lo, hi)
		if t2 == cfg.Worm.Ops[0].Time || timesCollide(cfg.Ops, t2, nil) {
			return false
		}
		ops := OperatorSequence{
			{Time: cfg.Worm.Ops[0].Time, Type: Annihilation, Flavor: cfg.Worm.Ops[0].Flavor},
		}
		ops = ops.Insert(Operator{Time: t2, Type: Creation, Flavor: cfg.Worm.Ops[1].Flavor})
		fresh = &Worm{Kind: to, Ops: ops}
		corr = length
	default:
		return false
	}
	corr *= sm.Hist.WeightRatio(WormSpace(from), WormSpace(to))

	traceNew := win.TraceWithOps(cfg.Ops.Merge(fresh.Ops))
	if !metropolis(rng, acceptProb(traceNew, cfg.Trace, 1, corr)) {
		return false
	}
	cfg.Worm = fresh
	cfg.Space = WormSpace(to)
	cfg.Trace = traceNew
	cfg.RefreshSign()
	return true
}

// TransitionStats reports acceptance trackers per transition kernel, for the
// end-of-run diagnostics.
func (sm *SpaceMachine) TransitionStats() map[string]*AcceptanceTracker {
	return map[string]*AcceptanceTracker{
		"worm_insert":  &sm.insertStats,
		"worm_remove":  &sm.removeStats,
		"worm_move":    &sm.moveStats,
		"worm_connect": &sm.connectStats,
	}
}
