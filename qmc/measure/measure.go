// Package measure accumulates observables from configuration snapshots and
// turns them into physical estimates at the end of the run.
//
// Partition-function-space snapshots feed the perturbation-order histogram,
// the average sign, and the Green's function estimators (imaginary-time bins
// and Legendre coefficients) read off the inverse hybridization matrix.
// Worm-space snapshots feed the estimator of their kind; their normalization
// is the ratio of space volumes recovered from visit counts and the learned
// space weights.
package measure

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"

	"github.com/impurity-sim/impurity-sim/qmc"
)

// Accumulator implements qmc.Measurer. Not thread-safe; the sampling core is
// single-threaded.
type Accumulator struct {
	beta     float64
	flavors  int
	tauBins  int
	legendre int
	hist     *qmc.FlatHistogram

	sweeps    uint64
	zSweeps   uint64
	signSum   float64
	signSamps []float64
	orderHist []uint64
	orderSamp []float64

	// operator counts split at beta/2, for the fidelity susceptibility
	kSum    float64
	kLkRSum float64

	// gtau[f][bin] and gl[f][l] accumulate sign-weighted M entries
	gtau [][]float64
	gl   [][]float64

	wormVisits map[qmc.ConfigSpace]uint64
	// g1tau[f][bin] accumulates sign from the two-time worm, diagonal flavors
	g1tau [][]float64
	// density[fa*F+fc] accumulates sign from the equal-time worm
	density []float64
	// n2tau[bin] accumulates sign from the density-density worm
	n2tau []float64
}

// NewAccumulator builds an accumulator for the given grid sizes. hist supplies
// the learned space weights used to normalize worm estimators; it must be the
// machine's own histogram.
func NewAccumulator(beta float64, flavors, tauBins, legendreOrder int, hist *qmc.FlatHistogram) *Accumulator {
	a := &Accumulator{
		beta:       beta,
		flavors:    flavors,
		tauBins:    tauBins,
		legendre:   legendreOrder,
		hist:       hist,
		wormVisits: make(map[qmc.ConfigSpace]uint64),
		density:    make([]float64, flavors*flavors),
		n2tau:      make([]float64, tauBins),
	}
	a.gtau = make([][]float64, flavors)
	a.gl = make([][]float64, flavors)
	a.g1tau = make([][]float64, flavors)
	for f := 0; f < flavors; f++ {
		a.gtau[f] = make([]float64, tauBins)
		a.gl[f] = make([]float64, legendreOrder)
		a.g1tau[f] = make([]float64, tauBins)
	}
	return a
}

// Measure consumes one snapshot. Dispatch is an explicit switch over the
// registered spaces; an unknown space is a programming error.
func (a *Accumulator) Measure(s *qmc.Snapshot) {
	a.sweeps++
	a.signSum += s.Sign
	a.signSamps = append(a.signSamps, s.Sign)

	switch {
	case s.Space == qmc.ZSpace:
		a.zSweeps++
		a.recordOrder(s)
		a.recordGreen(s)
	case s.Space == qmc.WormSpace(qmc.WormG1):
		a.wormVisits[s.Space]++
		a.recordWormG1(s)
	case s.Space == qmc.WormSpace(qmc.WormEqualTimeG1):
		a.wormVisits[s.Space]++
		a.recordWormDensity(s)
	case s.Space == qmc.WormSpace(qmc.WormTwoTimeN2):
		a.wormVisits[s.Space]++
		a.recordWormN2(s)
	default:
		logrus.Fatalf("snapshot from unregistered configuration space %v", s.Space)
	}
}

func (a *Accumulator) recordOrder(s *qmc.Snapshot) {
	for len(a.orderHist) <= s.Order {
		a.orderHist = append(a.orderHist, 0)
	}
	a.orderHist[s.Order]++
	a.orderSamp = append(a.orderSamp, float64(s.Order))

	kL := 0
	for _, op := range s.Ops {
		if op.Time < a.beta/2 {
			kL++
		}
	}
	kR := len(s.Ops) - kL
	a.kSum += float64(kL + kR)
	a.kLkRSum += float64(kL * kR)
}

// recordGreen bins sign-weighted inverse-matrix entries: each (annihilator,
// creator) pair contributes M_ij at time difference tau_a - tau_c, folded
// antiperiodically into [0, beta).
func (a *Accumulator) recordGreen(s *qmc.Snapshot) {
	for _, b := range s.M.Blocks() {
		if b.M == nil {
			continue
		}
		for i, ann := range b.Ann {
			for j, cre := range b.Cre {
				if ann.Flavor != cre.Flavor {
					continue
				}
				f := ann.Flavor
				dt := ann.Time - cre.Time
				// M rows are creator-indexed, columns annihilator-indexed
				v := s.Sign * b.M.At(j, i)
				if dt < 0 {
					dt += a.beta
					v = -v
				}
				bin := int(dt / a.beta * float64(a.tauBins))
				if bin >= a.tauBins {
					bin = a.tauBins - 1
				}
				a.gtau[f][bin] += v
				if a.legendre > 0 {
					x := 2*dt/a.beta - 1
					for l, p := range legendreAll(x, a.legendre) {
						a.gl[f][l] += v * legendreWeight(l) * p
					}
				}
			}
		}
	}
}

func (a *Accumulator) recordWormG1(s *qmc.Snapshot) {
	var ann, cre qmc.Operator
	for _, op := range s.Worm.Ops {
		if op.Type == qmc.Annihilation {
			ann = op
		} else {
			cre = op
		}
	}
	if ann.Flavor != cre.Flavor {
		return
	}
	dt := ann.Time - cre.Time
	v := s.Sign
	if dt < 0 {
		dt += a.beta
		v = -v
	}
	bin := int(dt / a.beta * float64(a.tauBins))
	if bin >= a.tauBins {
		bin = a.tauBins - 1
	}
	a.g1tau[ann.Flavor][bin] += v
}

func (a *Accumulator) recordWormDensity(s *qmc.Snapshot) {
	var fa, fc int
	for _, op := range s.Worm.Ops {
		if op.Type == qmc.Annihilation {
			fa = op.Flavor
		} else {
			fc = op.Flavor
		}
	}
	a.density[fa*a.flavors+fc] += s.Sign
}

func (a *Accumulator) recordWormN2(s *qmc.Snapshot) {
	dt := s.Worm.Ops[2].Time - s.Worm.Ops[0].Time
	if dt < 0 {
		dt += a.beta
	}
	bin := int(dt / a.beta * float64(a.tauBins))
	if bin >= a.tauBins {
		bin = a.tauBins - 1
	}
	a.n2tau[bin] += s.Sign
}

// wormVolume returns the bare volume of a worm space relative to Z,
// reconstructed from visit shares and the learned weights that biased them.
func (a *Accumulator) wormVolume(space qmc.ConfigSpace) float64 {
	if a.zSweeps == 0 || a.wormVisits[space] == 0 {
		return 0
	}
	share := float64(a.wormVisits[space]) / float64(a.zSweeps)
	return share * a.hist.Weight(qmc.ZSpace) / a.hist.Weight(space)
}

// AvgSign returns the measured average sign with its standard error.
func (a *Accumulator) AvgSign() (mean, stderr float64) {
	if len(a.signSamps) == 0 {
		return 0, 0
	}
	mean = stat.Mean(a.signSamps, nil)
	if len(a.signSamps) > 1 {
		sd := stat.StdDev(a.signSamps, nil)
		stderr = stat.StdErr(sd, float64(len(a.signSamps)))
	}
	return mean, stderr
}

// AvgOrder returns the mean perturbation order over Z-space sweeps.
func (a *Accumulator) AvgOrder() float64 {
	if len(a.orderSamp) == 0 {
		return 0
	}
	return stat.Mean(a.orderSamp, nil)
}

// OrderHistogram returns the raw perturbation-order visit counts.
func (a *Accumulator) OrderHistogram() []uint64 { return a.orderHist }

// FidelitySusceptibility estimates chi_F from the operator counts kL and kR
// on the two halves of the imaginary-time axis:
// chi_F = 0.5 * (<kL kR> - 0.25 <kL + kR>^2).
func (a *Accumulator) FidelitySusceptibility() float64 {
	if a.zSweeps == 0 {
		return 0
	}
	z := float64(a.zSweeps)
	k := a.kSum / z
	return 0.5 * (a.kLkRSum/z - 0.25*k*k)
}

// GTau returns the normalized imaginary-time Green's function of flavor f on
// the uniform bin grid: G(tau) = -<sum M delta> / (beta * dtau * sign).
func (a *Accumulator) GTau(f int) []float64 {
	out := make([]float64, a.tauBins)
	sign, _ := a.AvgSign()
	if a.zSweeps == 0 || sign == 0 {
		return out
	}
	dtau := a.beta / float64(a.tauBins)
	norm := -1 / (a.beta * dtau * float64(a.zSweeps) * sign)
	for i, v := range a.gtau[f] {
		out[i] = v * norm
	}
	return out
}

// GLegendre returns the normalized Legendre coefficients of flavor f.
func (a *Accumulator) GLegendre(f int) []float64 {
	out := make([]float64, a.legendre)
	sign, _ := a.AvgSign()
	if a.zSweeps == 0 || sign == 0 {
		return out
	}
	norm := -1 / (a.beta * float64(a.zSweeps) * sign)
	for l, v := range a.gl[f] {
		out[l] = v * norm
	}
	return out
}

// WormGTau returns the Green's function of flavor f estimated in the
// two-time worm space, normalized by the reconstructed space volume. An
// independent cross-check of the matrix estimator in GTau.
func (a *Accumulator) WormGTau(f int) []float64 {
	out := make([]float64, a.tauBins)
	space := qmc.WormSpace(qmc.WormG1)
	visits := a.wormVisits[space]
	if visits == 0 {
		return out
	}
	vol := a.wormVolume(space)
	dtau := a.beta / float64(a.tauBins)
	for i, v := range a.g1tau[f] {
		out[i] = -v / (float64(visits) * dtau) * vol
	}
	return out
}

// Occupation returns <n_f> from the equal-time worm estimator:
// <c(tau) c+(tau)> = 1 - <n>, normalized by the worm-space volume.
func (a *Accumulator) Occupation(f int) float64 {
	space := qmc.WormSpace(qmc.WormEqualTimeG1)
	visits := a.wormVisits[space]
	if visits == 0 {
		return 0
	}
	vol := a.wormVolume(space)
	ccdag := a.density[f*a.flavors+f] / float64(visits) * vol
	return 1 - ccdag
}

// DensityCorrelation returns the normalized <n(0) n(tau)> histogram from the
// density-density worm.
func (a *Accumulator) DensityCorrelation() []float64 {
	out := make([]float64, a.tauBins)
	space := qmc.WormSpace(qmc.WormTwoTimeN2)
	visits := a.wormVisits[space]
	if visits == 0 {
		return out
	}
	vol := a.wormVolume(space)
	for i, v := range a.n2tau {
		out[i] = v / float64(visits) * vol
	}
	return out
}

// Report prints the end-of-run summary.
func (a *Accumulator) Report() {
	sign, signErr := a.AvgSign()
	fmt.Println("=== Measurement Summary ===")
	fmt.Printf("Measured Sweeps      : %d (Z-space: %d)\n", a.sweeps, a.zSweeps)
	fmt.Printf("Average Sign         : %.4f +/- %.4f\n", sign, signErr)
	fmt.Printf("Average Order        : %.2f\n", a.AvgOrder())
	fmt.Printf("Fidelity Susc.       : %.4e\n", a.FidelitySusceptibility())
	for _, space := range a.hist.Spaces() {
		if space == qmc.ZSpace {
			continue
		}
		fmt.Printf("Worm Space %-14s: visits=%d volume=%.4e\n",
			space, a.wormVisits[space], a.wormVolume(space))
	}
	for f := 0; f < a.flavors; f++ {
		if n := a.Occupation(f); n != 0 {
			fmt.Printf("Occupation n[%d]      : %.4f\n", f, n)
		}
	}
}

// report is the JSON export layout; not a compatibility contract.
type report struct {
	Beta      float64              `json:"beta"`
	Sweeps    uint64               `json:"sweeps"`
	AvgSign   float64              `json:"avg_sign"`
	SignErr   float64              `json:"avg_sign_stderr"`
	AvgOrder  float64              `json:"avg_order"`
	FidSusc   float64              `json:"fidelity_susceptibility"`
	OrderHist []uint64             `json:"order_histogram"`
	GTau      map[string][]float64 `json:"g_tau"`
	GTauWorm  map[string][]float64 `json:"g_tau_worm"`
	GLegendre map[string][]float64 `json:"g_legendre"`
	Occupancy []float64            `json:"occupation"`
	N2Tau     []float64            `json:"density_correlation"`
}

// WriteJSON dumps the full set of estimates to path.
func (a *Accumulator) WriteJSON(path string) error {
	sign, signErr := a.AvgSign()
	r := report{
		Beta:      a.beta,
		Sweeps:    a.sweeps,
		AvgSign:   sign,
		SignErr:   signErr,
		AvgOrder:  a.AvgOrder(),
		FidSusc:   a.FidelitySusceptibility(),
		OrderHist: a.orderHist,
		GTau:      make(map[string][]float64, a.flavors),
		GTauWorm:  make(map[string][]float64, a.flavors),
		GLegendre: make(map[string][]float64, a.flavors),
		N2Tau:     a.DensityCorrelation(),
	}
	for f := 0; f < a.flavors; f++ {
		key := fmt.Sprintf("flavor_%d", f)
		r.GTau[key] = a.GTau(f)
		r.GTauWorm[key] = a.WormGTau(f)
		r.GLegendre[key] = a.GLegendre(f)
		r.Occupancy = append(r.Occupancy, a.Occupation(f))
	}
	blob, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling measurement report")
	}
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		return errors.Wrapf(err, "writing measurement report %s", path)
	}
	return nil
}
