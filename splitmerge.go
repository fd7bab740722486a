package imm

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring"
)

// SplitMergeSampler is the sequentially-allocated merge-split (SAMS)
// Metropolis-Hastings sampler of Dahl for the conjugate model.
//
// Each iteration picks two distinct observations i and j uniformly. If they
// share a cluster, a split is proposed: i and j seed two parts and the
// cluster's other members are allocated between them in random order with
// the Gibbs weights restricted to the two parts. Otherwise the merge of
// their clusters is proposed, with the reverse split density obtained by
// replaying the current split through the same allocation. All proposal work
// happens on scratch accumulators, so a rejected move leaves the partition
// untouched.
type SplitMergeSampler struct {
	Model *NormalWishart
	Prior PartitionPrior

	// RestrictedScans, when > 0, builds a launch state by sequential
	// allocation followed by this many restricted Gibbs scans, and uses one
	// further restricted scan as the proposal (Jain and Neal). Default: 0,
	// the sequential allocation itself is the proposal.
	RestrictedScans int

	// GibbsScans is the number of full collapsed Gibbs sweeps run after the
	// split-merge move in every iteration. Default: 0.
	GibbsScans int

	// Order is the visiting order of the full Gibbs sweeps.
	Order SweepOrder
}

// NewSplitMergeSampler returns a SAMS sampler without Gibbs sweeps.
func NewSplitMergeSampler(model *NormalWishart, prior PartitionPrior) *SplitMergeSampler {
	return &SplitMergeSampler{Model: model, Prior: prior}
}

func (s *SplitMergeSampler) Name() string { return "sams" }

func (s *SplitMergeSampler) Validate(p *Partition) error {
	if s.RestrictedScans < 0 {
		return fmt.Errorf("%w: RestrictedScans must be >= 0, got %d", ErrInvalidConfig, s.RestrictedScans)
	}
	if s.GibbsScans < 0 {
		return fmt.Errorf("%w: GibbsScans must be >= 0, got %d", ErrInvalidConfig, s.GibbsScans)
	}
	return validateConjugate(s.Model, s.Prior, p)
}

func (s *SplitMergeSampler) LogPosterior(p *Partition) (float64, error) {
	return conjugateLogPosterior(s.Model, s.Prior, p)
}

func (s *SplitMergeSampler) Step(p *Partition, rng *rand.Rand) (Moves, error) {
	var moves Moves
	if n := p.Len(); n >= 2 {
		i, j := pickPair(n, rng)
		ci, cj := p.assign[i], p.assign[j]
		var err error
		if ci == cj {
			moves.SplitsProposed++
			var ok bool
			ok, err = s.split(p, rng, i, j, ci)
			if ok {
				moves.SplitsAccepted++
			}
		} else {
			moves.MergesProposed++
			var ok bool
			ok, err = s.merge(p, rng, i, j, ci, cj)
			if ok {
				moves.MergesAccepted++
			}
		}
		if err != nil {
			return moves, err
		}
	}
	for range s.GibbsScans {
		if err := gibbsSweep(s.Model, s.Prior, s.Order, p, rng, &moves); err != nil {
			return moves, err
		}
	}
	return moves, nil
}

// pickPair draws two distinct observations uniformly.
func pickPair(n int, rng *rand.Rand) (int, int) {
	i := rng.IntN(n)
	j := rng.IntN(n - 1)
	if j >= i {
		j++
	}
	return i, j
}

// restricted is a two-way allocation of the points of one cluster, or of two
// clusters being considered for a merge.
type restricted struct {
	model *NormalWishart
	prior PartitionPrior
	data  [][]float64

	seeds [2]int
	rest  []int // non-seed points in allocation order
	side  []int // side[k] is the part of rest[k]
	stats [2]*SufficientStatistics

	cands    [2]*Posterior
	logPrior [2]float64
	scores   [2]float64
}

func (s *SplitMergeSampler) newRestricted(p *Partition, i, j int, rest []int) *restricted {
	r := &restricted{
		model: s.Model,
		prior: s.Prior,
		data:  p.data,
		seeds: [2]int{i, j},
		rest:  rest,
		side:  make([]int, len(rest)),
	}
	r.reset()
	return r
}

// reset empties both parts down to their seeds.
func (r *restricted) reset() {
	for a := range r.stats {
		r.stats[a] = NewSufficientStatistics(r.model.Dim())
		r.stats[a].Add(r.data[r.seeds[a]])
	}
}

// place scores x against both parts and draws a side, or evaluates the
// probability of side force when force >= 0.
func (r *restricted) place(rng *rand.Rand, x []float64, force int) (int, float64, error) {
	for a := range r.stats {
		post, err := r.model.Posterior(r.stats[a])
		if err != nil {
			return 0, 0, err
		}
		r.cands[a] = post
		r.logPrior[a] = r.prior.LogWeightExisting(r.stats[a].Count())
	}
	return allocate(rng, x, r.cands[:], r.logPrior[:], r.scores[:], force)
}

// sequential allocates rest one point at a time onto the seeds. With target
// non-nil the allocation is forced to target and only its log probability
// is computed.
func (r *restricted) sequential(rng *rand.Rand, target []int) (float64, error) {
	r.reset()
	var logq float64
	for k, idx := range r.rest {
		x := r.data[idx]
		a, lp, err := r.place(rng, x, forced(target, k))
		if err != nil {
			return 0, err
		}
		r.side[k] = a
		r.stats[a].Add(x)
		logq += lp
	}
	return logq, nil
}

// scan runs one restricted Gibbs scan over rest, forced to target when it is
// non-nil, and returns the log probability of the transition.
func (r *restricted) scan(rng *rand.Rand, target []int) (float64, error) {
	var logq float64
	for k, idx := range r.rest {
		x := r.data[idx]
		if err := r.stats[r.side[k]].Remove(x); err != nil {
			return 0, err
		}
		a, lp, err := r.place(rng, x, forced(target, k))
		if err != nil {
			return 0, err
		}
		r.side[k] = a
		r.stats[a].Add(x)
		logq += lp
	}
	return logq, nil
}

func forced(target []int, k int) int {
	if target == nil {
		return -1
	}
	return target[k]
}

// propose runs the configured proposal mechanism and returns the log density
// of ending at target (or at the sampled allocation when target is nil).
func (s *SplitMergeSampler) propose(r *restricted, rng *rand.Rand, target []int) (float64, error) {
	if s.RestrictedScans == 0 {
		return r.sequential(rng, target)
	}
	if _, err := r.sequential(rng, nil); err != nil {
		return 0, err
	}
	for range s.RestrictedScans {
		if _, err := r.scan(rng, nil); err != nil {
			return 0, err
		}
	}
	return r.scan(rng, target)
}

// split proposes to divide cluster c, seeded by i and j.
func (s *SplitMergeSampler) split(p *Partition, rng *rand.Rand, i, j, c int) (bool, error) {
	rest := make([]int, 0, p.Size(c))
	for _, m := range p.Members(c) {
		if m != i && m != j {
			rest = append(rest, m)
		}
	}
	rng.Shuffle(len(rest), func(a, b int) { rest[a], rest[b] = rest[b], rest[a] })

	r := s.newRestricted(p, i, j, rest)
	logq, err := s.propose(r, rng, nil)
	if err != nil {
		return false, err
	}

	n1, n2 := r.stats[0].Count(), r.stats[1].Count()
	lml1, err := s.Model.LogMarginalLikelihood(r.stats[0])
	if err != nil {
		return false, err
	}
	lml2, err := s.Model.LogMarginalLikelihood(r.stats[1])
	if err != nil {
		return false, err
	}
	lmlC, err := s.Model.LogMarginalLikelihood(p.Stats(c))
	if err != nil {
		return false, err
	}
	logRatio := s.Prior.LogSplitMergeRatio(n1, n2, p.NumClusters(), p.Len()) +
		lml1 + lml2 - lmlC - logq
	if !accept(rng, logRatio) {
		return false, nil
	}

	members := [2]*roaring.Bitmap{roaring.New(), roaring.New()}
	members[0].Add(uint32(i))
	members[1].Add(uint32(j))
	for k, idx := range rest {
		members[r.side[k]].Add(uint32(idx))
	}
	id := p.open()
	p.replace(c, r.stats[0], members[0])
	p.replace(id, r.stats[1], members[1])
	it := members[1].Iterator()
	for it.HasNext() {
		p.assign[it.Next()] = id
	}
	return true, nil
}

// merge proposes to join clusters ci and cj, containing i and j.
func (s *SplitMergeSampler) merge(p *Partition, rng *rand.Rand, i, j, ci, cj int) (bool, error) {
	var rest, target []int
	for _, c := range [2]int{ci, cj} {
		for _, m := range p.Members(c) {
			if m != i && m != j {
				rest = append(rest, m)
			}
		}
	}
	rng.Shuffle(len(rest), func(a, b int) { rest[a], rest[b] = rest[b], rest[a] })
	target = make([]int, len(rest))
	for k, m := range rest {
		if p.assign[m] == cj {
			target[k] = 1
		}
	}

	r := s.newRestricted(p, i, j, rest)
	logq, err := s.propose(r, rng, target)
	if err != nil {
		return false, err
	}

	si, sj := p.Stats(ci), p.Stats(cj)
	merged := si.Clone()
	merged.Merge(sj)
	lmlM, err := s.Model.LogMarginalLikelihood(merged)
	if err != nil {
		return false, err
	}
	lmlI, err := s.Model.LogMarginalLikelihood(si)
	if err != nil {
		return false, err
	}
	lmlJ, err := s.Model.LogMarginalLikelihood(sj)
	if err != nil {
		return false, err
	}
	logRatio := -s.Prior.LogSplitMergeRatio(si.Count(), sj.Count(), p.NumClusters()-1, p.Len()) +
		lmlM - lmlI - lmlJ + logq
	if !accept(rng, logRatio) {
		return false, nil
	}

	members := p.slots[ci].members.Clone()
	moved := p.slots[cj].members
	members.Or(moved)
	it := moved.Iterator()
	for it.HasNext() {
		p.assign[it.Next()] = ci
	}
	p.replace(ci, merged, members)
	p.close(cj)
	return true, nil
}

// accept is the Metropolis-Hastings test min(1, exp(logRatio)).
func accept(rng *rand.Rand, logRatio float64) bool {
	if math.IsNaN(logRatio) {
		return false
	}
	if logRatio >= 0 {
		return true
	}
	return math.Log(rng.Float64()) < logRatio
}
