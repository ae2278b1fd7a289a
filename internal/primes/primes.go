// Package primes provides the CPU-bound work unit used by the demo server.
//
// The "prime" test is deliberately naive. Candidates are pseudo-random
// floats, so most of them are not integers and run the divisor loop to
// completion. It exists to burn a predictable amount of CPU per step, not to
// find primes.
package primes

import (
	"math"
	"math/rand/v2"
)

// DefaultScale is the candidate multiplier, candidate(i) = i * scale * r for
// a uniform r in [0, 1).
const DefaultScale = 4_000_000_000

// Step is the outcome of checking one candidate.
type Step struct {
	Candidate float64
	Prime     bool
}

// Search generates and checks candidates. Not safe for concurrent use.
type Search struct {
	rng   *rand.Rand
	scale float64
}

// NewSearch returns a Search seeded with seed, using [DefaultScale].
func NewSearch(seed uint64) *Search {
	return NewSearchScale(seed, DefaultScale)
}

// NewSearchScale is like [NewSearch] with a custom multiplier, smaller values
// make each step cheaper.
func NewSearchScale(seed uint64, scale float64) *Search {
	return &Search{
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		scale: scale,
	}
}

// Step checks the candidate for index i. It never fails, the error is there
// to satisfy the iteration work signature.
func (s *Search) Step(i int) (Step, error) {
	candidate := float64(i) * s.scale * s.rng.Float64()
	return Step{Candidate: candidate, Prime: IsPrime(candidate)}, nil
}

// IsPrime reports whether no integer in [2, sqrt(n)] divides n.
func IsPrime(n float64) bool {
	limit := math.Sqrt(n)
	for c := 2.0; c <= limit; c++ {
		if math.Mod(n, c) == 0 {
			return false
		}
	}
	return true
}

// Find runs n steps in a single call, returning the prime candidates.
func (s *Search) Find(n int) []float64 {
	var found []float64
	for i := range n {
		step, _ := s.Step(i)
		if step.Prime {
			found = append(found, step.Candidate)
		}
	}
	return found
}

// Count returns the number of prime steps.
func Count(steps []Step) int {
	var n int
	for _, s := range steps {
		if s.Prime {
			n++
		}
	}
	return n
}
