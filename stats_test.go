package imm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSufficientStatistics_Add(t *testing.T) {
	s := NewSufficientStatistics(2)
	assert.True(t, s.IsEmpty())
	assert.Nil(t, s.Mean())

	s.Add([]float64{1, 2})
	s.Add([]float64{3, -1})

	assert.Equal(t, 2, s.Count())
	assert.Equal(t, []float64{4, 1}, s.Sum())
	assert.Equal(t, []float64{2, 0.5}, s.Mean())

	// Σxxᵀ = [1 2; 2 4] + [9 -3; -3 1]
	outer := s.Outer()
	assert.Equal(t, 10.0, outer.At(0, 0))
	assert.Equal(t, -1.0, outer.At(0, 1))
	assert.Equal(t, -1.0, outer.At(1, 0))
	assert.Equal(t, 5.0, outer.At(1, 1))
}

func TestSufficientStatistics_AddRemoveRoundTrip(t *testing.T) {
	s := NewSufficientStatistics(3)
	base := [][]float64{{1, 2, 3}, {-1, 0.5, 2}, {0.25, -4, 1}}
	for _, x := range base {
		s.Add(x)
	}
	before := s.Clone()

	x := []float64{7, -3, 0.125}
	s.Add(x)
	require.NoError(t, s.Remove(x))

	assert.Equal(t, before.Count(), s.Count())
	assert.LessOrEqual(t, s.maxAbsDiff(before), 1e-12)
}

func TestSufficientStatistics_RemoveEmpty(t *testing.T) {
	s := NewSufficientStatistics(2)
	err := s.Remove([]float64{1, 1})
	require.Error(t, err)
	assert.True(t, IsInconsistentState(err))
}

func TestSufficientStatistics_RemoveLastResets(t *testing.T) {
	s := NewSufficientStatistics(2)
	x := []float64{0.1, 0.7}
	s.Add(x)
	require.NoError(t, s.Remove(x))

	assert.True(t, s.IsEmpty())
	assert.Equal(t, []float64{0, 0}, s.Sum())
	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			assert.Equal(t, 0.0, s.Outer().At(i, j))
		}
	}
}

func TestSufficientStatistics_Merge(t *testing.T) {
	a := NewSufficientStatistics(2)
	b := NewSufficientStatistics(2)
	all := NewSufficientStatistics(2)
	for i, x := range [][]float64{{1, 0}, {2, 3}, {-1, 4}, {0, -2}} {
		if i%2 == 0 {
			a.Add(x)
		} else {
			b.Add(x)
		}
		all.Add(x)
	}
	a.Merge(b)
	assert.Equal(t, 4, a.Count())
	assert.Equal(t, 0.0, a.maxAbsDiff(all))
	// b is untouched
	assert.Equal(t, 2, b.Count())
}

func TestSufficientStatistics_CloneIsIndependent(t *testing.T) {
	s := NewSufficientStatistics(1)
	s.Add([]float64{2})
	c := s.Clone()
	c.Add([]float64{5})

	assert.Equal(t, 1, s.Count())
	assert.Equal(t, []float64{2}, s.Sum())
	assert.Equal(t, 4.0, s.Outer().At(0, 0))
	assert.Equal(t, 29.0, c.Outer().At(0, 0))
}
