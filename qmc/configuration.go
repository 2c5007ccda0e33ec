package qmc

import (
	"github.com/pkg/errors"

	"github.com/impurity-sim/impurity-sim/qmc/model"
)

// Configuration is the full mutable state of one Monte Carlo sample: the
// time-ordered operator sequence, the optional worm, the block-structured
// inverse hybridization matrix, and the cached trace value with its sign.
//
// Exclusively owned by the simulation loop; updaters receive it by reference
// for the duration of one proposal and must leave it self-consistent whether
// they accept or reject. Invariant: Space is the Z-function space iff Worm is
// nil, and M/Trace always describe the current operators.
type Configuration struct {
	Ops   OperatorSequence
	Worm  *Worm
	M     *BlockMatrix
	Trace ExtFloat
	Sign  float64
	Space ConfigSpace
}

// NewConfiguration creates the initial empty-sequence configuration in the
// Z-function space, with trace and matrix built from scratch.
func NewConfiguration(lm *model.LocalModel, hyb model.Hybridization, win *SlidingWindow) *Configuration {
	c := &Configuration{
		M:     NewBlockMatrix(lm.Beta, lm.Flavors, hyb),
		Space: ZSpace,
	}
	c.M.Rebuild(c.Ops)
	c.Trace = win.ComputeTrace(c.MergedOps())
	c.RefreshSign()
	return c
}

// MergedOps returns the time-ordered union of the hybridization-coupled
// operators and the worm operators; this is the sequence the trace is
// evaluated over.
func (c *Configuration) MergedOps() OperatorSequence {
	if c.Worm == nil {
		return c.Ops
	}
	return c.Ops.Merge(c.Worm.Ops)
}

// Order returns the perturbation order: the number of hybridization-coupled
// operator pairs.
func (c *Configuration) Order() int { return len(c.Ops) / 2 }

// RefreshSign recomputes the configuration sign from the trace sign and the
// time-ordered determinant sign.
func (c *Configuration) RefreshSign() {
	s := c.Trace.Sign() * c.M.SignTimeOrdered()
	if s == 0 {
		s = 1
	}
	c.Sign = s
}

// Weight returns |Trace| * prod |det block|, the bare sampling weight of the
// configuration (space weights excluded).
func (c *Configuration) Weight() ExtFloat {
	return c.Trace.Abs().Mul(c.M.DetTotal().Abs())
}

// ConsistencyCheck compares the incrementally maintained trace and M against
// from-scratch recomputations. Run only in self-check mode; any divergence
// beyond tol is a fatal programming error, not a runtime condition.
func (c *Configuration) ConsistencyCheck(win *SlidingWindow, tol float64) error {
	if c.Trace.IsNaN() {
		return errors.New("trace is NaN")
	}
	if (c.Space == ZSpace) != (c.Worm == nil) {
		return errors.Errorf("space %v inconsistent with worm presence", c.Space)
	}
	fresh := win.ComputeTrace(c.MergedOps())
	if d := c.Trace.RelDiff(fresh); d > tol {
		return errors.Errorf("trace drift %.3e exceeds %.1e (cached %v, scratch %v)",
			d, tol, c.Trace.Float64(), fresh.Float64())
	}
	if d := c.M.MaxRelDiff(c.Ops); d > tol {
		return errors.Errorf("inverse matrix drift %.3e exceeds %.1e", d, tol)
	}
	return nil
}
