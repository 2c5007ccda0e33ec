// Package model defines the physical model supplied to the sampling engine:
// the diagonal local Hamiltonian on the occupation-number basis and the
// hybridization function that couples the impurity to the bath.
//
// The sampling core consumes this package only through LocalModel and the
// Hybridization interface; everything specific to one impurity problem
// (chemical potential, interaction, bath parameters) lives here.
package model

import (
	"math"
	"math/bits"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// LocalModel is the impurity Hamiltonian, diagonal in the occupation-number
// basis: E(n) = -Mu * sum_f n_f + U * sum_{f<f'} n_f n_f'. The basis dimension
// is 2^Flavors, so Flavors is expected to stay small (<= 8).
type LocalModel struct {
	Beta    float64 // inverse temperature
	Flavors int     // number of site x spin flavors
	Mu      float64 // chemical potential
	U       float64 // density-density interaction between distinct flavors

	energies []float64    // E per occupation state, index = bit pattern
	creation []*mat.Dense // creation operator matrix per flavor
	annihil  []*mat.Dense // annihilation operator matrix per flavor
}

// NewLocalModel validates parameters and precomputes the state energies and
// the fermionic operator matrices.
func NewLocalModel(beta float64, flavors int, mu, u float64) (*LocalModel, error) {
	if beta <= 0 {
		return nil, errors.Errorf("beta must be positive, got %g", beta)
	}
	if flavors < 1 || flavors > 8 {
		return nil, errors.Errorf("flavors must be in [1, 8], got %d", flavors)
	}
	m := &LocalModel{Beta: beta, Flavors: flavors, Mu: mu, U: u}
	dim := 1 << flavors
	m.energies = make([]float64, dim)
	for n := 0; n < dim; n++ {
		occ := bits.OnesCount(uint(n))
		m.energies[n] = -mu*float64(occ) + u*float64(occ*(occ-1)/2)
	}
	m.creation = make([]*mat.Dense, flavors)
	m.annihil = make([]*mat.Dense, flavors)
	for f := 0; f < flavors; f++ {
		cdag := mat.NewDense(dim, dim, nil)
		for n := 0; n < dim; n++ {
			if n&(1<<f) != 0 {
				continue // flavor already occupied
			}
			// Jordan-Wigner sign: parity of occupied flavors below f
			sign := 1.0
			if bits.OnesCount(uint(n&((1<<f)-1)))%2 == 1 {
				sign = -1.0
			}
			cdag.Set(n|(1<<f), n, sign)
		}
		c := mat.NewDense(dim, dim, nil)
		c.CloneFrom(cdag.T())
		m.creation[f] = cdag
		m.annihil[f] = c
	}
	return m, nil
}

// Dim returns the occupation-basis dimension 2^Flavors.
func (m *LocalModel) Dim() int { return 1 << m.Flavors }

// Energy returns the eigenvalue of the occupation state with bit pattern n.
func (m *LocalModel) Energy(n int) float64 { return m.energies[n] }

// CreationMatrix returns the c^dagger matrix for flavor f. The returned
// matrix is shared and must not be modified.
func (m *LocalModel) CreationMatrix(f int) *mat.Dense { return m.creation[f] }

// AnnihilationMatrix returns the c matrix for flavor f. The returned matrix
// is shared and must not be modified.
func (m *LocalModel) AnnihilationMatrix(f int) *mat.Dense { return m.annihil[f] }

// GroundEnergy returns the minimum state energy, used to normalize
// propagators before their magnitude is moved into an extended exponent.
func (m *LocalModel) GroundEnergy() float64 {
	e0 := m.energies[0]
	for _, e := range m.energies[1:] {
		e0 = math.Min(e0, e)
	}
	return e0
}

// Hybridization supplies the bath coupling Delta_{ab}(tau) evaluated at
// arbitrary time differences, plus the structural facts the sampler needs:
// which flavors are coupled (blocks) and whether the bath is invariant under
// global time translation.
//
// Delta is defined on (0, beta); callers extend it antiperiodically.
type Hybridization interface {
	// Delta evaluates the hybridization between flavors a and b at
	// tau in (0, beta).
	Delta(a, b int, tau float64) float64

	// Blocks partitions the flavor set into groups coupled by Delta.
	// Delta vanishes between flavors of different blocks.
	Blocks() [][]int

	// TranslationInvariant reports whether the bath is invariant under a
	// global imaginary-time shift. A rejected global shift is a warning
	// condition only when this holds.
	TranslationInvariant() bool
}

// DeltaAntiperiodic extends hyb.Delta to tau in (-beta, beta) with the
// fermionic boundary condition Delta(tau + beta) = -Delta(tau).
func DeltaAntiperiodic(hyb Hybridization, a, b int, tau, beta float64) float64 {
	if tau < 0 {
		return -hyb.Delta(a, b, tau+beta)
	}
	if tau == 0 {
		// equal-time limit taken from above
		return hyb.Delta(a, b, 1e-14*beta)
	}
	return hyb.Delta(a, b, tau)
}

// ConstantHybridization is flavor-diagonal with a constant value V on (0,
// beta). Exactly solvable reference used throughout the tests.
type ConstantHybridization struct {
	V                float64
	NumFlavors       int
	SingleBlock      bool // group all flavors into one block
	BreakTranslation bool // declare the bath non-invariant (tests only)
}

// Delta returns the constant value for a == b, zero otherwise.
func (h *ConstantHybridization) Delta(a, b int, tau float64) float64 {
	if a != b {
		return 0
	}
	return h.V
}

// Blocks returns one block per flavor, or a single block when configured.
func (h *ConstantHybridization) Blocks() [][]int {
	return flavorBlocks(h.NumFlavors, h.SingleBlock)
}

// TranslationInvariant reports time-translation invariance of the bath.
func (h *ConstantHybridization) TranslationInvariant() bool {
	return !h.BreakTranslation
}

// SinglePoleHybridization is the hybridization of one bath level at energy
// Eps coupled with amplitude V to every flavor diagonally:
//
//	Delta(tau) = -V^2 * exp(-Eps*tau) / (1 + exp(-beta*Eps))
type SinglePoleHybridization struct {
	V          float64
	Eps        float64
	Beta       float64
	NumFlavors int
}

// Delta evaluates the single-pole hybridization for a == b.
func (h *SinglePoleHybridization) Delta(a, b int, tau float64) float64 {
	if a != b {
		return 0
	}
	// written to stay finite for either sign of Eps
	if h.Eps >= 0 {
		return -h.V * h.V * math.Exp(-h.Eps*tau) / (1 + math.Exp(-h.Beta*h.Eps))
	}
	return -h.V * h.V * math.Exp(-h.Eps*(tau-h.Beta)) / (math.Exp(h.Beta*h.Eps) + 1)
}

// Blocks returns one block per flavor.
func (h *SinglePoleHybridization) Blocks() [][]int {
	return flavorBlocks(h.NumFlavors, false)
}

// TranslationInvariant always holds for a static bath level.
func (h *SinglePoleHybridization) TranslationInvariant() bool { return true }

func flavorBlocks(n int, single bool) [][]int {
	if single {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}
	out := make([][]int, n)
	for i := range out {
		out[i] = []int{i}
	}
	return out
}
