package qmc

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/impurity-sim/impurity-sim/qmc/model"
)

// propagator is a dense occupation-basis matrix with its magnitude factored
// into an extended-range scale, so products over many time intervals never
// leave float64 range. Value = scale * m, with max|m_ij| kept near 1.
type propagator struct {
	m     *mat.Dense
	scale ExtFloat
}

func identityPropagator(dim int) *propagator {
	return &propagator{m: identity(dim), scale: NewExtFloat(1)}
}

// normalize factors the largest matrix entry into the scale.
func (p *propagator) normalize() {
	r, c := p.m.Dims()
	maxAbs := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			maxAbs = math.Max(maxAbs, math.Abs(p.m.At(i, j)))
		}
	}
	if maxAbs == 0 {
		p.scale = ExtFloat{}
		return
	}
	p.m.Scale(1/maxAbs, p.m)
	p.scale = p.scale.MulFloat(maxAbs)
}

// evolve left-multiplies by the interval propagator exp(-H*dt): row i is
// scaled by exp(-(E_i - E0)*dt), with exp(-E0*dt) moved into the scale so
// the matrix entries stay bounded.
func (p *propagator) evolve(lm *model.LocalModel, dt float64) {
	if dt == 0 {
		return
	}
	e0 := lm.GroundEnergy()
	r, c := p.m.Dims()
	for i := 0; i < r; i++ {
		f := math.Exp(-(lm.Energy(i) - e0) * dt)
		for j := 0; j < c; j++ {
			p.m.Set(i, j, p.m.At(i, j)*f)
		}
	}
	p.scale = p.scale.Mul(ExtFloatFromLog(-e0*dt, 1))
	p.normalize()
}

// applyOp left-multiplies by the creation/annihilation matrix of op.
func (p *propagator) applyOp(lm *model.LocalModel, op Operator) {
	var om *mat.Dense
	if op.Type == Creation {
		om = lm.CreationMatrix(op.Flavor)
	} else {
		om = lm.AnnihilationMatrix(op.Flavor)
	}
	var out mat.Dense
	out.Mul(om, p.m)
	p.m = &out
	p.normalize()
}

// leftMul left-multiplies by another propagator: p = q * p.
func (p *propagator) leftMul(q *propagator) {
	var out mat.Dense
	out.Mul(q.m, p.m)
	p.m = &out
	p.scale = p.scale.Mul(q.scale)
	p.normalize()
}

// trace contracts the propagator: scale * sum of diagonal entries.
func (p *propagator) trace() ExtFloat {
	r, _ := p.m.Dims()
	var d float64
	for i := 0; i < r; i++ {
		d += p.m.At(i, i)
	}
	return p.scale.MulFloat(d)
}

// SlidingWindow decomposes [0, beta) into equal segments and caches the
// partial products of the time-ordered trace factorization, so that a local
// update confined to the active pair of segments costs O(window content)
// instead of O(sequence length).
//
// Cache layout: prefix[i] is the product of segments [0, i), suffix[i] the
// product of segments [i, n). The cursor at position p makes segments p and
// p+1 active; any candidate trace contracts suffix[p+2] * W * prefix[p] with
// only W rebuilt. The cursor ping-pongs across positions and each move
// refreshes exactly one cached product from the segment it absorbs.
type SlidingWindow struct {
	lm     *model.LocalModel
	beta   float64
	nseg   int
	segLen float64
	pos    int
	dir    int
	prefix []*propagator
	suffix []*propagator
}

// NewSlidingWindow builds a window with nseg segments over the model's
// imaginary-time axis and fills the caches from ops.
func NewSlidingWindow(lm *model.LocalModel, nseg int, ops OperatorSequence) *SlidingWindow {
	w := &SlidingWindow{lm: lm, beta: lm.Beta}
	w.SetWindowSize(nseg, ops, 0, +1)
	return w
}

// segmentProduct builds the propagator of segment i from the current ops.
func (w *SlidingWindow) segmentProduct(i int, ops OperatorSequence) *propagator {
	lo := float64(i) * w.segLen
	hi := lo + w.segLen
	if i == w.nseg-1 {
		hi = w.beta // absorb rounding at the top edge
	}
	return w.intervalProduct(lo, hi, ops)
}

// intervalProduct builds the time-ordered product over [lo, hi).
func (w *SlidingWindow) intervalProduct(lo, hi float64, ops OperatorSequence) *propagator {
	p := identityPropagator(w.lm.Dim())
	t := lo
	for i := ops.search(lo); i < len(ops) && ops[i].Time < hi; i++ {
		p.evolve(w.lm, ops[i].Time-t)
		p.applyOp(w.lm, ops[i])
		t = ops[i].Time
	}
	p.evolve(w.lm, hi-t)
	return p
}

// ComputeTrace evaluates the full time-ordered trace from scratch. Used at
// startup, after global updates, and by the consistency check.
func (w *SlidingWindow) ComputeTrace(ops OperatorSequence) ExtFloat {
	return w.intervalProduct(0, w.beta, ops).trace()
}

// SetWindowSize repartitions the axis into nseg segments and rebuilds all
// cached partial products; cost O(nseg + len(ops)). Window size affects
// performance only, never correctness.
func (w *SlidingWindow) SetWindowSize(nseg int, ops OperatorSequence, pos, dir int) {
	if nseg < 1 {
		nseg = 1
	}
	w.nseg = nseg
	w.segLen = w.beta / float64(nseg)
	maxPos := w.maxPosition()
	if pos < 0 || pos > maxPos {
		pos = 0
	}
	if dir != -1 {
		dir = +1
	}
	w.pos = pos
	w.dir = dir

	w.prefix = make([]*propagator, nseg+1)
	w.suffix = make([]*propagator, nseg+1)
	w.prefix[0] = identityPropagator(w.lm.Dim())
	w.suffix[nseg] = identityPropagator(w.lm.Dim())
	if nseg == 1 {
		return
	}
	for i := 0; i < nseg; i++ {
		seg := w.segmentProduct(i, ops)
		pf := &propagator{m: mat.DenseCopyOf(w.prefix[i].m), scale: w.prefix[i].scale}
		pf.leftMul(seg)
		w.prefix[i+1] = pf
	}
	for i := nseg - 1; i >= 0; i-- {
		seg := w.segmentProduct(i, ops)
		sf := &propagator{m: mat.DenseCopyOf(seg.m), scale: seg.scale}
		sf.leftMul(w.suffix[i+1]) // suffix[i] = suffix[i+1] * Seg(i)
		w.suffix[i] = sf
	}
}

// NumSegments returns the current segment count.
func (w *SlidingWindow) NumSegments() int { return w.nseg }

// Position returns the cursor position.
func (w *SlidingWindow) Position() int { return w.pos }

// Direction returns the cursor direction (+1 or -1).
func (w *SlidingWindow) Direction() int { return w.dir }

// AtSweepStart reports whether the cursor is back at the sweep's anchor
// position. Every sweep must return here before the next one begins.
func (w *SlidingWindow) AtSweepStart() bool { return w.pos == 0 }

func (w *SlidingWindow) maxPosition() int {
	if w.nseg <= 2 {
		return 0
	}
	return w.nseg - 2
}

// CycleLength returns the number of MoveToNextPosition calls per full
// ping-pong cycle returning the cursor to position 0.
func (w *SlidingWindow) CycleLength() int {
	if w.nseg <= 2 {
		return 1
	}
	return 2 * (w.nseg - 2)
}

// ActiveInterval returns the imaginary-time interval [lo, hi) in which local
// updates are currently permitted.
func (w *SlidingWindow) ActiveInterval() (lo, hi float64) {
	if w.nseg <= 2 {
		return 0, w.beta
	}
	lo = float64(w.pos) * w.segLen
	hi = lo + 2*w.segLen
	if w.pos+2 >= w.nseg {
		hi = w.beta
	}
	return lo, hi
}

// MoveToNextPosition advances the cursor by one position, refreshing only the
// cached product of the segment the move absorbs; cost O(segment content).
func (w *SlidingWindow) MoveToNextPosition(ops OperatorSequence) {
	if w.nseg <= 2 {
		return
	}
	switch {
	case w.dir == +1 && w.pos < w.nseg-2:
		w.absorbPrefix(ops)
		w.pos++
	case w.dir == +1: // right turn-around
		w.absorbSuffix(ops, w.pos+1)
		w.dir = -1
		w.pos--
	case w.pos > 0:
		w.absorbSuffix(ops, w.pos+1)
		w.pos--
	default: // left turn-around
		w.absorbPrefix(ops)
		w.dir = +1
		w.pos++
	}
}

func (w *SlidingWindow) absorbPrefix(ops OperatorSequence) {
	seg := w.segmentProduct(w.pos, ops)
	pf := &propagator{m: mat.DenseCopyOf(w.prefix[w.pos].m), scale: w.prefix[w.pos].scale}
	pf.leftMul(seg)
	w.prefix[w.pos+1] = pf
}

func (w *SlidingWindow) absorbSuffix(ops OperatorSequence, i int) {
	seg := w.segmentProduct(i, ops)
	sf := &propagator{m: mat.DenseCopyOf(seg.m), scale: seg.scale}
	sf.leftMul(w.suffix[i+1])
	w.suffix[i] = sf
}

// TraceWithOps evaluates the trace of a candidate operator sequence that may
// differ from the cached one only inside the active interval. This is the
// O(window) path every local updater goes through.
func (w *SlidingWindow) TraceWithOps(ops OperatorSequence) ExtFloat {
	lo, hi := w.ActiveInterval()
	win := w.intervalProduct(lo, hi, ops)
	if w.nseg <= 2 {
		return win.trace()
	}
	pf := w.prefix[w.pos]
	sf := w.suffix[w.pos+2]
	var t1, t2 mat.Dense
	t1.Mul(win.m, pf.m)
	t2.Mul(sf.m, &t1)
	r, _ := t2.Dims()
	var d float64
	for i := 0; i < r; i++ {
		d += t2.At(i, i)
	}
	return sf.scale.Mul(win.scale).Mul(pf.scale).MulFloat(d)
}
