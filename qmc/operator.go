package qmc

import (
	"fmt"
	"sort"
)

// OpType distinguishes creation from annihilation operators.
type OpType int

const (
	// Creation is a c^dagger operator.
	Creation OpType = iota
	// Annihilation is a c operator.
	Annihilation
)

func (t OpType) String() string {
	if t == Creation {
		return "c+"
	}
	return "c"
}

// Operator is one creation or annihilation operator on the imaginary-time
// axis. Immutable once created; updates replace operators rather than mutate
// them.
type Operator struct {
	Time   float64 `json:"time"`   // imaginary time in [0, beta)
	Type   OpType  `json:"type"`   // creation or annihilation
	Flavor int     `json:"flavor"` // site x spin index in [0, F)
}

func (o Operator) String() string {
	return fmt.Sprintf("%s(f=%d, tau=%.6f)", o.Type, o.Flavor, o.Time)
}

// OperatorSequence is a time-ordered sequence of operators. Order is
// semantically required: the trace is a time-ordered product, and all
// insertion/removal paths go through this type to preserve it.
type OperatorSequence []Operator

// Len returns the perturbation order times two: the number of operators.
func (s OperatorSequence) Len() int { return len(s) }

// search returns the index of the first operator with time >= t.
func (s OperatorSequence) search(t float64) int {
	return sort.Search(len(s), func(i int) bool { return s[i].Time >= t })
}

// HasTime reports whether an operator already sits exactly at time t.
// Proposals landing on an occupied time are rejected by the updaters.
func (s OperatorSequence) HasTime(t float64) bool {
	i := s.search(t)
	return i < len(s) && s[i].Time == t
}

// Insert returns a new sequence with op added at its time-ordered position.
// The receiver is not modified; updaters build candidates on the side and
// commit only on acceptance.
func (s OperatorSequence) Insert(op Operator) OperatorSequence {
	i := s.search(op.Time)
	out := make(OperatorSequence, 0, len(s)+1)
	out = append(out, s[:i]...)
	out = append(out, op)
	out = append(out, s[i:]...)
	return out
}

// Remove returns a new sequence with the operator at index i removed.
func (s OperatorSequence) Remove(i int) OperatorSequence {
	out := make(OperatorSequence, 0, len(s)-1)
	out = append(out, s[:i]...)
	out = append(out, s[i+1:]...)
	return out
}

// Replace returns a new sequence with the operator at index i replaced by op,
// reordered as needed.
func (s OperatorSequence) Replace(i int, op Operator) OperatorSequence {
	return s.Remove(i).Insert(op)
}

// IndexOf returns the index of op, or -1 when absent. Operators are value
// types, so identity is full field equality.
func (s OperatorSequence) IndexOf(op Operator) int {
	i := s.search(op.Time)
	for ; i < len(s) && s[i].Time == op.Time; i++ {
		if s[i] == op {
			return i
		}
	}
	return -1
}

// InInterval returns the indices of operators with time in [lo, hi).
func (s OperatorSequence) InInterval(lo, hi float64) []int {
	var out []int
	for i := s.search(lo); i < len(s) && s[i].Time < hi; i++ {
		out = append(out, i)
	}
	return out
}

// Merge returns the time-ordered union of s and other.
func (s OperatorSequence) Merge(other OperatorSequence) OperatorSequence {
	out := make(OperatorSequence, 0, len(s)+len(other))
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		if s[i].Time <= other[j].Time {
			out = append(out, s[i])
			i++
		} else {
			out = append(out, other[j])
			j++
		}
	}
	out = append(out, s[i:]...)
	out = append(out, other[j:]...)
	return out
}

// Clone returns a deep copy.
func (s OperatorSequence) Clone() OperatorSequence {
	out := make(OperatorSequence, len(s))
	copy(out, s)
	return out
}

// WormKind tags a measurement subspace probed by a worm.
type WormKind int

const (
	// WormG1 probes the single-particle Green's function: one annihilation
	// and one creation operator at two independent times.
	WormG1 WormKind = iota
	// WormEqualTimeG1 probes the equal-time Green's function (densities):
	// an annihilation and a creation operator at the same time.
	WormEqualTimeG1
	// WormTwoTimeN2 probes the density-density correlation function:
	// two density pairs n(tau1) n(tau2) at two independent times.
	WormTwoTimeN2
)

func (k WormKind) String() string {
	switch k {
	case WormG1:
		return "G1"
	case WormEqualTimeG1:
		return "Equal_time_G1"
	case WormTwoTimeN2:
		return "Two_time_N2"
	default:
		return fmt.Sprintf("WormKind(%d)", int(k))
	}
}

// Worm is the operator tuple probing one measurement subspace. Worm operators
// enter the local trace like any other operator but carry no hybridization
// line, so they never appear in the M blocks.
type Worm struct {
	Kind WormKind         `json:"kind"`
	Ops  OperatorSequence `json:"ops"`
}

// Clone returns a deep copy.
func (w *Worm) Clone() *Worm {
	if w == nil {
		return nil
	}
	return &Worm{Kind: w.Kind, Ops: w.Ops.Clone()}
}

// ConfigSpace identifies which configuration space the sampler currently
// occupies: the partition-function space or one of the worm subspaces.
type ConfigSpace struct {
	Worm bool     `json:"worm"`
	Kind WormKind `json:"kind,omitempty"`
}

// ZSpace is the partition-function (wormless) configuration space.
var ZSpace = ConfigSpace{}

// WormSpace returns the configuration space of the given worm kind.
func WormSpace(kind WormKind) ConfigSpace {
	return ConfigSpace{Worm: true, Kind: kind}
}

func (cs ConfigSpace) String() string {
	if !cs.Worm {
		return "Z_function"
	}
	return cs.Kind.String()
}
