package qmc

import "math"

// FlatHistogram learns one multiplicative weight per configuration space so
// the sampler spends comparable time in every space regardless of the bare
// statistical weights. Wang-Landau style: each visit nudges the visited
// space's log-weight down by the current modification factor; when the visit
// histogram is flat enough the factor is halved and counts reset.
//
// Learning runs only during thermalization. After Freeze the weights are
// read-only, which keeps the production-phase distribution stationary.
type FlatHistogram struct {
	spaces    []ConfigSpace
	logWeight map[ConfigSpace]float64
	visits    map[ConfigSpace]uint64
	lnF       float64
	halvings  int
	frozen    bool

	flatness float64 // min/max visit ratio declaring the histogram flat
	lnFStart float64
}

const (
	defaultFlatness = 0.8
	defaultLnFStart = 1.0
)

// NewFlatHistogram initializes uniform weights over the Z-function space and
// the registered worm spaces.
func NewFlatHistogram(kinds []WormKind) *FlatHistogram {
	fh := &FlatHistogram{
		logWeight: make(map[ConfigSpace]float64),
		visits:    make(map[ConfigSpace]uint64),
		lnF:       defaultLnFStart,
		flatness:  defaultFlatness,
		lnFStart:  defaultLnFStart,
	}
	fh.spaces = append(fh.spaces, ZSpace)
	for _, k := range kinds {
		fh.spaces = append(fh.spaces, WormSpace(k))
	}
	for _, s := range fh.spaces {
		fh.logWeight[s] = 0
		fh.visits[s] = 0
	}
	return fh
}

// Weight returns the learned multiplicative weight of a space. The reference
// Z-function space is pinned at 1 by renormalization.
func (fh *FlatHistogram) Weight(s ConfigSpace) float64 {
	return math.Exp(fh.logWeight[s])
}

// WeightRatio returns weight(to)/weight(from), the factor every space
// transition's acceptance ratio must include.
func (fh *FlatHistogram) WeightRatio(from, to ConfigSpace) float64 {
	return math.Exp(fh.logWeight[to] - fh.logWeight[from])
}

// Visit records that the sampler currently occupies space s and, while
// learning is active, nudges the weights.
func (fh *FlatHistogram) Visit(s ConfigSpace) {
	fh.visits[s]++
	if fh.frozen {
		return
	}
	fh.logWeight[s] -= fh.lnF
	// pin the reference space at log-weight zero
	if ref := fh.logWeight[ZSpace]; ref != 0 {
		for _, sp := range fh.spaces {
			fh.logWeight[sp] -= ref
		}
	}
	if fh.Flat() {
		fh.lnF /= 2
		fh.halvings++
		for _, sp := range fh.spaces {
			fh.visits[sp] = 0
		}
	}
}

// Flat reports whether the visit histogram is flat: min/max visit ratio at
// or above the flatness threshold, with every space visited at least once.
func (fh *FlatHistogram) Flat() bool {
	var minV, maxV uint64
	first := true
	for _, s := range fh.spaces {
		v := fh.visits[s]
		if first {
			minV, maxV = v, v
			first = false
			continue
		}
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if minV == 0 {
		return false
	}
	return float64(minV)/float64(maxV) >= fh.flatness
}

// Freeze ends learning; weights keep their last learned values.
func (fh *FlatHistogram) Freeze() { fh.frozen = true }

// Frozen reports whether learning has ended.
func (fh *FlatHistogram) Frozen() bool { return fh.frozen }

// Converged reports whether the modification factor has been halved down to
// the target precision. Failing this by end of thermalization is a warning,
// not an error.
func (fh *FlatHistogram) Converged(target float64) bool {
	return fh.lnF <= target
}

// LnF returns the current modification factor.
func (fh *FlatHistogram) LnF() float64 { return fh.lnF }

// Visits returns the visit count of a space in the current flatness window.
func (fh *FlatHistogram) Visits(s ConfigSpace) uint64 { return fh.visits[s] }

// Spaces returns the registered spaces, reference space first.
func (fh *FlatHistogram) Spaces() []ConfigSpace { return fh.spaces }

// flatHistState is the serialized form for checkpointing.
type flatHistState struct {
	LogWeights map[string]float64 `json:"log_weights"`
	LnF        float64            `json:"ln_f"`
	Halvings   int                `json:"halvings"`
	Frozen     bool               `json:"frozen"`
}

func (fh *FlatHistogram) state() flatHistState {
	st := flatHistState{
		LogWeights: make(map[string]float64, len(fh.spaces)),
		LnF:        fh.lnF,
		Halvings:   fh.halvings,
		Frozen:     fh.frozen,
	}
	for _, s := range fh.spaces {
		st.LogWeights[s.String()] = fh.logWeight[s]
	}
	return st
}

func (fh *FlatHistogram) restore(st flatHistState) {
	fh.lnF = st.LnF
	fh.halvings = st.Halvings
	fh.frozen = st.Frozen
	for _, s := range fh.spaces {
		if lw, ok := st.LogWeights[s.String()]; ok {
			fh.logWeight[s] = lw
		}
	}
}
