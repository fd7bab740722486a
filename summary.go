package imm

import (
	"gonum.org/v1/gonum/mat"
)

// CoClustering returns the posterior similarity matrix: entry (i, j) is the
// fraction of recorded iterations in which observations i and j share a
// cluster. It returns nil for an empty trace.
func (t *Trace) CoClustering() *mat.SymDense {
	if t.Len() == 0 {
		return nil
	}
	n := len(t.Assignments[0])
	if n == 0 {
		return nil
	}
	counts := make([]float64, n*n)
	for _, labels := range t.Assignments {
		for i := 0; i < n; i++ {
			li := labels[i]
			row := counts[i*n : (i+1)*n]
			for j := i; j < n; j++ {
				if labels[j] == li {
					row[j]++
				}
			}
		}
	}
	sim := mat.NewSymDense(n, nil)
	inv := 1 / float64(t.Len())
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sim.SetSym(i, j, counts[i*n+j]*inv)
		}
	}
	return sim
}

// ClusterCountDistribution returns the empirical posterior of the number of
// clusters.
func (t *Trace) ClusterCountDistribution() map[int]float64 {
	dist := make(map[int]float64)
	if len(t.NumClusters) == 0 {
		return dist
	}
	w := 1 / float64(len(t.NumClusters))
	for _, k := range t.NumClusters {
		dist[k] += w
	}
	return dist
}

// MaxPosterior returns the recorded partition with the highest log
// posterior, or nil for an empty trace. Ties go to the earliest iteration.
func (t *Trace) MaxPosterior() []int {
	best := -1
	for i, lp := range t.LogPosterior {
		if best < 0 || lp > t.LogPosterior[best] {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	return append([]int(nil), t.Assignments[best]...)
}

// ThresholdPartition returns the point estimate obtained by linking every
// pair of observations whose co-clustering frequency exceeds threshold and
// taking the connected components, labelled 0..K-1.
func (t *Trace) ThresholdPartition(threshold float64) []int {
	sim := t.CoClustering()
	if sim == nil {
		return nil
	}
	return linkComponents(sim.SymmetricDim(), func(i, j int) bool {
		return sim.At(i, j) > threshold
	})
}

// linkComponents labels the connected components of the graph on 0..n-1
// whose edges are the pairs (i, j), i < j, for which linked holds. Labels
// are 0..K-1 in order of first appearance.
func linkComponents(n int, linked func(i, j int) bool) []int {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	root := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]] // path halving
			x = parent[x]
		}
		return x
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if !linked(i, j) {
				continue
			}
			ri, rj := root(i), root(j)
			if ri != rj {
				parent[max(ri, rj)] = min(ri, rj)
			}
		}
	}
	roots := make([]int, n)
	for i := range roots {
		roots[i] = root(i)
	}
	return Relabel(roots)
}
