package imm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// SufficientStatistics accumulates the count, sum and sum of outer products
// of the observations assigned to one cluster. Add and Remove are O(d²).
type SufficientStatistics struct {
	n     int
	sum   []float64
	outer *mat.SymDense
}

// NewSufficientStatistics returns an empty accumulator for dim-dimensional
// observations. dim must be positive.
func NewSufficientStatistics(dim int) *SufficientStatistics {
	return &SufficientStatistics{
		sum:   make([]float64, dim),
		outer: mat.NewSymDense(dim, nil),
	}
}

// Dim returns the dimensionality of the accumulated observations.
func (s *SufficientStatistics) Dim() int { return len(s.sum) }

// Count returns the number of accumulated observations.
func (s *SufficientStatistics) Count() int { return s.n }

// IsEmpty reports whether no observation is accumulated.
func (s *SufficientStatistics) IsEmpty() bool { return s.n == 0 }

// Sum returns Σx. The slice is owned by s and must not be modified.
func (s *SufficientStatistics) Sum() []float64 { return s.sum }

// Outer returns Σxxᵀ.
func (s *SufficientStatistics) Outer() mat.Symmetric { return s.outer }

// Mean returns the sample mean, or nil when s is empty.
func (s *SufficientStatistics) Mean() []float64 {
	if s.n == 0 {
		return nil
	}
	mean := make([]float64, len(s.sum))
	floats.ScaleTo(mean, 1/float64(s.n), s.sum)
	return mean
}

// Add incorporates x.
func (s *SufficientStatistics) Add(x []float64) {
	s.n++
	floats.Add(s.sum, x)
	s.outer.SymRankOne(s.outer, 1, mat.NewVecDense(len(x), x))
}

// Remove takes x back out. It fails with ErrInconsistentState when s is
// already empty. Removing the last observation resets the accumulator to
// exact zeros so rounding error does not survive an emptied cluster.
func (s *SufficientStatistics) Remove(x []float64) error {
	if s.n == 0 {
		return fmt.Errorf("remove from empty statistics: %w", ErrInconsistentState)
	}
	s.n--
	if s.n == 0 {
		s.Reset()
		return nil
	}
	floats.Sub(s.sum, x)
	s.outer.SymRankOne(s.outer, -1, mat.NewVecDense(len(x), x))
	return nil
}

// Merge adds every observation accumulated in o.
func (s *SufficientStatistics) Merge(o *SufficientStatistics) {
	s.n += o.n
	floats.Add(s.sum, o.sum)
	s.outer.AddSym(s.outer, o.outer)
}

// Reset empties the accumulator.
func (s *SufficientStatistics) Reset() {
	s.n = 0
	for i := range s.sum {
		s.sum[i] = 0
	}
	s.outer.Zero()
}

// Clone returns an independent copy of s.
func (s *SufficientStatistics) Clone() *SufficientStatistics {
	c := NewSufficientStatistics(len(s.sum))
	c.n = s.n
	copy(c.sum, s.sum)
	c.outer.CopySym(s.outer)
	return c
}

// maxAbsDiff returns the largest absolute elementwise difference between the
// sums and outer products of s and o, or +Inf when the counts differ.
func (s *SufficientStatistics) maxAbsDiff(o *SufficientStatistics) float64 {
	if s.n != o.n || len(s.sum) != len(o.sum) {
		return math.Inf(1)
	}
	var diff float64
	for i := range s.sum {
		diff = max(diff, math.Abs(s.sum[i]-o.sum[i]))
		for j := i; j < len(s.sum); j++ {
			diff = max(diff, math.Abs(s.outer.At(i, j)-o.outer.At(i, j)))
		}
	}
	return diff
}
