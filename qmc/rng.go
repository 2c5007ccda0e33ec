package qmc

import (
	"hash/fnv"
	"math/rand"
)

// SimulationKey uniquely identifies a reproducible sampling run.
// Two runs with the same SimulationKey and identical parameters MUST produce
// bit-for-bit identical Markov chains.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// RNG subsystems. Each subsystem draws from an isolated stream so that adding
// draws in one part of the sampler (say, a new measurement) does not perturb
// the proposal sequence of another.
const (
	// SubsystemLocal feeds the local Metropolis-Hastings kernels.
	SubsystemLocal = "local"

	// SubsystemGlobal feeds the rare full-sequence updates.
	SubsystemGlobal = "global"

	// SubsystemWorm feeds configuration-space transition proposals.
	SubsystemWorm = "worm"
)

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation: masterSeed XOR fnv1a64(subsystemName).
//
// Thread-safety: NOT thread-safe. The sampling core is single-threaded by
// construction, so all draws happen on one goroutine.
type PartitionedRNG struct {
	key        SimulationKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a SimulationKey.
func NewPartitionedRNG(key SimulationKey) *PartitionedRNG {
	return &PartitionedRNG{
		key:        key,
		subsystems: make(map[string]*rand.Rand),
	}
}

// ForSubsystem returns a deterministically-seeded RNG for the named subsystem.
// The same subsystem name always returns the same *rand.Rand instance (cached).
// Never returns nil.
func (p *PartitionedRNG) ForSubsystem(name string) *rand.Rand {
	if rng, ok := p.subsystems[name]; ok {
		return rng
	}
	derivedSeed := int64(p.key) ^ fnv1a64(name)
	rng := rand.New(rand.NewSource(derivedSeed))
	p.subsystems[name] = rng
	return rng
}

// Key returns the SimulationKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() SimulationKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
