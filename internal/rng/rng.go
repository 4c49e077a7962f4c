// Package rng implements the deterministic seeded generator required by
// spec §4.2. Every peer that constructs a Random with the same 32-bit seed
// and calls the same sequence of methods observes byte-identical output,
// which is what lets an action's random draws replay identically on every
// client applying the same patch (spec §8.3).
//
// The generator is a fixed-constant linear congruential generator (the
// "Numerical Recipes" constants: multiplier 1664525, increment 1013904223,
// modulus 2^32). The exact algorithm is pinned here, not left to
// math/rand, because math/rand's output is not a stable cross-version
// contract and the spec requires reproducibility across independent
// implementations.
package rng

const (
	lcgMultiplier uint32 = 1664525
	lcgIncrement  uint32 = 1013904223
)

// Random is a deterministic pseudorandom sequence seeded by a 32-bit integer.
type Random struct {
	state uint32
}

// New returns a Random seeded with the given 32-bit value.
func New(seed uint32) *Random {
	return &Random{state: seed}
}

// step advances the generator once and returns the new state. The original
// construction seed is not retained; callers that need reproducibility must
// keep the seed value themselves and construct a fresh Random from it.
func (r *Random) step() uint32 {
	r.state = lcgMultiplier*r.state + lcgIncrement
	return r.state
}

// Next returns a float in [0, 1).
func (r *Random) Next() float64 {
	return float64(r.step()) / float64(1<<32)
}

// Range returns an integer in [lo, hi).
func (r *Random) Range(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	span := hi - lo
	return lo + int(r.Next()*float64(span))
}

// Float returns a float in [lo, hi).
func (r *Random) Float(lo, hi float64) float64 {
	return lo + r.Next()*(hi-lo)
}

// Boolean returns true with probability p. A p <= 0 or p > 1 falls back to
// the default of 0.5.
func (r *Random) Boolean(p float64) bool {
	if p <= 0 || p > 1 {
		p = 0.5
	}
	return r.Next() < p
}

// Choice returns a random element of seq. Panics on an empty slice, matching
// the precondition authors of Choice are expected to uphold.
func Choice[T any](r *Random, seq []T) T {
	idx := r.Range(0, len(seq))
	return seq[idx]
}

// Shuffle returns a new slice containing seq's elements in a deterministic
// random order (Fisher-Yates, descending index), leaving seq untouched.
func Shuffle[T any](r *Random, seq []T) []T {
	out := make([]T, len(seq))
	copy(out, seq)
	for i := len(out) - 1; i > 0; i-- {
		j := r.Range(0, i+1)
		out[i], out[j] = out[j], out[i]
	}
	return out
}
