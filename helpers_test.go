package imm

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

const floatTol = 1e-10

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// labelsEquivalent checks if two label arrays are equivalent under label
// permutation.
func labelsEquivalent(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	mapping := make(map[int]int)
	reverse := make(map[int]int)
	for i := range a {
		if m, ok := mapping[a[i]]; ok && m != b[i] {
			return false
		}
		if r, ok := reverse[b[i]]; ok && r != a[i] {
			return false
		}
		mapping[a[i]] = b[i]
		reverse[b[i]] = a[i]
	}
	return true
}

// agreement returns the largest fraction of positions on which got matches
// want over all injective relabellings of got, by brute force.
func agreement(got, want []int) float64 {
	g, w := Relabel(got), Relabel(want)
	kg, kw := 0, 0
	for i := range g {
		kg = max(kg, g[i]+1)
		kw = max(kw, w[i]+1)
	}
	counts := make([][]int, kg)
	for i := range counts {
		counts[i] = make([]int, kw)
	}
	for i := range g {
		counts[g[i]][w[i]]++
	}
	used := make([]bool, kw)
	var best func(row int) int
	best = func(row int) int {
		if row == kg {
			return 0
		}
		top := best(row + 1) // row left unmatched
		for c := 0; c < kw; c++ {
			if used[c] {
				continue
			}
			used[c] = true
			top = max(top, counts[row][c]+best(row+1))
			used[c] = false
		}
		return top
	}
	return float64(best(0)) / float64(len(g))
}

// gaussianClouds draws n isotropic points with standard deviation sd around
// each center and returns them with their generating labels.
func gaussianClouds(seed uint64, n int, sd float64, centers ...[]float64) ([][]float64, []int) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	var data [][]float64
	var labels []int
	for c, center := range centers {
		for i := 0; i < n; i++ {
			x := make([]float64, len(center))
			for j := range x {
				x[j] = center[j] + sd*rng.NormFloat64()
			}
			data = append(data, x)
			labels = append(labels, c)
		}
	}
	return data, labels
}

func scaledIdentity(d int, v float64) *mat.SymDense {
	s := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		s.SetSym(i, i, v)
	}
	return s
}

func mustNormalWishart(t testing.TB, h Hyperparameters) *NormalWishart {
	t.Helper()
	m, err := NewNormalWishart(h)
	if err != nil {
		t.Fatalf("NewNormalWishart: %v", err)
	}
	return m
}

func mustDP(t testing.TB, alpha float64) *DP {
	t.Helper()
	p, err := NewDP(alpha)
	if err != nil {
		t.Fatalf("NewDP: %v", err)
	}
	return p
}

func mustPartition(t testing.TB, data [][]float64, labels []int) *Partition {
	t.Helper()
	p, err := PartitionFromAssignment(data, labels)
	if err != nil {
		t.Fatalf("PartitionFromAssignment: %v", err)
	}
	return p
}

// unitModel is the 1-D model ξ=0, ρ=1, β=2, W=1.
func unitModel(t testing.TB) *NormalWishart {
	return mustNormalWishart(t, Hyperparameters{
		Xi:   []float64{0},
		Rho:  1,
		Beta: 2,
		W:    mat.NewSymDense(1, []float64{1}),
	})
}
