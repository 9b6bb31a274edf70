package demand

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// === ScheduleKey ===

// ScheduleKey uniquely identifies a reproducible spawn schedule.
// Two schedules generated with the same ScheduleKey and identical demand
// windows MUST produce bit-for-bit identical results.
type ScheduleKey int64

// NewScheduleKey creates a ScheduleKey from a seed value.
func NewScheduleKey(seed int64) ScheduleKey {
	return ScheduleKey(seed)
}

// === Subsystem Constants ===

// SubsystemAssignment is the RNG stream used for vehicle class and
// turning-traffic draws. Kept separate from the per-direction arrival
// streams so that changing one direction's count never perturbs the
// class mix of another direction's vehicles.
const SubsystemAssignment = "assignment"

// SubsystemDirection returns the arrival-stream name for a compass direction.
func SubsystemDirection(d Direction) string {
	return fmt.Sprintf("arrivals_%s", d)
}

// === PartitionedRNG ===

// PartitionedRNG provides deterministic, isolated RNG instances per subsystem.
//
// Derivation formula: masterSeed XOR fnv1a64(subsystemName).
//
// Thread-safety: NOT thread-safe. Must be called from single goroutine.
type PartitionedRNG struct {
	key        ScheduleKey
	subsystems map[string]*rand.Rand
}

// NewPartitionedRNG creates a PartitionedRNG from a ScheduleKey.
func NewPartitionedRNG(key ScheduleKey) *PartitionedRNG {
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

// Key returns the ScheduleKey used to create this PartitionedRNG.
func (p *PartitionedRNG) Key() ScheduleKey {
	return p.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}
