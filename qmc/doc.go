// Package qmc provides the continuous-time hybridization-expansion quantum
// Monte Carlo sampling engine.
//
// # Reading Guide
//
// Start with these three files to understand the sampling kernel:
//   - operator.go: Operators on the imaginary-time axis, worm tuples, and
//     configuration spaces
//   - configuration.go: The full Markov chain state and its invariants
//   - simulator.go: The sweep loop, window movement, and measurement dispatch
//
// # Architecture
//
// The qmc package owns the sampling semantics; collaborators live in
// sub-packages:
//   - qmc/model/: Local Hamiltonian on the occupation basis and the
//     hybridization function interface
//   - qmc/measure/: Observable accumulation and end-of-run estimates
//
// Weight evaluation splits into two independent pieces: window.go maintains
// the local trace through cached segment products over [0, beta), and
// matrix.go maintains the inverse hybridization matrix per block with
// Woodbury/Jacobi fast updates. Every update kernel forms its acceptance
// ratio from both pieces plus a proposal correction.
//
// # Key Types
//
// The extension points are small interfaces and one plain struct:
//   - Updater: one Metropolis-Hastings kernel (insert, remove, shift, swap,
//     global moves)
//   - SpaceMachine: transitions between the partition-function space and the
//     worm spaces, weighted by the flat-histogram learner
//   - Measurer: per-sweep snapshot consumer, implemented by qmc/measure
//   - ExtFloat: extended-exponent scalar keeping products of thousands of
//     factors representable
//
// All randomness flows through PartitionedRNG so runs with equal seeds are
// bit-for-bit reproducible.
package qmc
