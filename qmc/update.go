package qmc

import (
	"math"
	"math/rand"
)

// Updater is one Metropolis-Hastings update kernel. Propose draws a
// candidate, applies the acceptance test against the sliding window, and
// either commits the mutation (returning true) or leaves the configuration
// bit-identical to its pre-call state (returning false).
type Updater interface {
	Name() string
	Propose(rng *rand.Rand, cfg *Configuration, win *SlidingWindow) bool
	Stats() *AcceptanceTracker
}

// AcceptanceTracker keeps cumulative and rolling acceptance statistics for
// one updater, for diagnostics and adaptive step-size tuning.
type AcceptanceTracker struct {
	Proposed uint64
	Accepted uint64
	recent   float64 // exponential moving average of accept/reject
	warm     bool
}

const recentDecay = 0.01

func (a *AcceptanceTracker) record(accepted bool) {
	a.Proposed++
	x := 0.0
	if accepted {
		a.Accepted++
		x = 1.0
	}
	if !a.warm {
		a.recent = x
		a.warm = true
		return
	}
	a.recent += recentDecay * (x - a.recent)
}

// Rate returns the cumulative acceptance rate.
func (a *AcceptanceTracker) Rate() float64 {
	if a.Proposed == 0 {
		return 0
	}
	return float64(a.Accepted) / float64(a.Proposed)
}

// RecentRate returns the rolling acceptance rate.
func (a *AcceptanceTracker) RecentRate() float64 { return a.recent }

// metropolis runs the accept test on min(1, p). NaN proposals (zero-weight
// denominators and similar numerical edge cases) are rejected, never raised.
func metropolis(rng *rand.Rand, p float64) bool {
	if math.IsNaN(p) || p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rng.Float64() < p
}

// acceptProb collapses |traceNew/traceOld| * |detRatio| * correction into a
// float64 acceptance probability. The ratio is formed in extended precision;
// overflow collapses to +Inf which metropolis treats as certain acceptance.
func acceptProb(traceNew, traceOld ExtFloat, detRatio, correction float64) float64 {
	r := traceNew.Abs().Div(traceOld.Abs())
	return r.MulFloat(math.Abs(detRatio) * correction).Float64()
}

// uniformTime draws a time uniformly from [lo, hi).
func uniformTime(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}

// chooseK picks k distinct elements of idxs uniformly (partial Fisher-Yates
// on a copy).
func chooseK(rng *rand.Rand, idxs []int, k int) []int {
	pool := append([]int(nil), idxs...)
	for i := 0; i < k; i++ {
		j := i + rng.Intn(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:k]
}

// binomial returns C(n, k) as a float64.
func binomial(n, k int) float64 {
	if k < 0 || k > n {
		return 0
	}
	out := 1.0
	for i := 0; i < k; i++ {
		out *= float64(n-i) / float64(i+1)
	}
	return out
}

// factorial returns n! as a float64; ranks are small.
func factorial(n int) float64 {
	out := 1.0
	for i := 2; i <= n; i++ {
		out *= float64(i)
	}
	return out
}

// typedWindowIndices lists indices of operators in ops with time in [lo, hi),
// the given type, and (when flavor >= 0) the given flavor.
func typedWindowIndices(ops OperatorSequence, lo, hi float64, typ OpType, flavor int) []int {
	var out []int
	for _, i := range ops.InInterval(lo, hi) {
		if ops[i].Type != typ {
			continue
		}
		if flavor >= 0 && ops[i].Flavor != flavor {
			continue
		}
		out = append(out, i)
	}
	return out
}

// timesCollide reports whether t collides with an existing operator time in
// the merged sequence or with one of the other candidate times.
func timesCollide(merged OperatorSequence, t float64, chosen []float64) bool {
	if merged.HasTime(t) {
		return true
	}
	for _, c := range chosen {
		if c == t {
			return true
		}
	}
	return false
}
