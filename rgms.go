package imm

import (
	"fmt"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring"
)

// RestrictedMergeSplitSampler is the restricted Gibbs merge-split sampler of
// Jain and Neal for the conditionally conjugate model, where cluster
// parameters cannot be integrated out.
//
// A move picks two distinct observations i and j and builds two launch
// states over the points S of their clusters: a split launch state, where
// S is divided at random between the two sides seeded by i and j and
// refined by SplitLaunchScans restricted Gibbs scans over indicators and
// parameters, and a merge launch state, a single prior component refined by
// MergeLaunchScans parameter updates. A split (i and j together) or merge
// (i and j apart) is then proposed by one more scan from the matching launch
// state, and the other launch state supplies the reverse proposal density.
// Each iteration runs Proposals such moves followed by GibbsScans sweeps of
// the auxiliary-variable Gibbs sampler.
type RestrictedMergeSplitSampler struct {
	Model *ConditionalNormalWishart
	Prior PartitionPrior

	// SplitLaunchScans is the number of intermediate restricted scans that
	// build the split launch state. Default: 5.
	SplitLaunchScans int

	// Proposals is the number of merge-split moves per iteration. Default: 1.
	Proposals int

	// GibbsScans is the number of auxiliary-variable Gibbs sweeps per
	// iteration. Default: 1.
	GibbsScans int

	// MergeLaunchScans is the number of intermediate parameter updates that
	// build the merge launch state. Default: 5.
	MergeLaunchScans int

	// Auxiliary is the number of auxiliary components of the Gibbs sweeps.
	// Default: 10.
	Auxiliary int

	Order SweepOrder
}

// NewRestrictedMergeSplitSampler returns a sampler with the (5, 1, 1, 5)
// scheme and 10 auxiliary components.
func NewRestrictedMergeSplitSampler(model *ConditionalNormalWishart, prior PartitionPrior) *RestrictedMergeSplitSampler {
	return &RestrictedMergeSplitSampler{
		Model:            model,
		Prior:            prior,
		SplitLaunchScans: 5,
		Proposals:        1,
		GibbsScans:       1,
		MergeLaunchScans: 5,
		Auxiliary:        10,
	}
}

func (r *RestrictedMergeSplitSampler) Name() string { return "rgms" }

func (r *RestrictedMergeSplitSampler) Validate(p *Partition) error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"SplitLaunchScans", r.SplitLaunchScans},
		{"Proposals", r.Proposals},
		{"GibbsScans", r.GibbsScans},
		{"MergeLaunchScans", r.MergeLaunchScans},
	} {
		if f.v < 0 {
			return fmt.Errorf("%w: %s must be >= 0, got %d", ErrInvalidConfig, f.name, f.v)
		}
	}
	if r.GibbsScans > 0 && r.Auxiliary < 1 {
		return fmt.Errorf("%w: Auxiliary must be >= 1, got %d", ErrInvalidConfig, r.Auxiliary)
	}
	return validateConditional(r.Model, r.Prior, p)
}

func (r *RestrictedMergeSplitSampler) LogPosterior(p *Partition) (float64, error) {
	return conditionalLogPosterior(r.Model, r.Prior, p)
}

func (r *RestrictedMergeSplitSampler) Step(p *Partition, rng *rand.Rand) (Moves, error) {
	var moves Moves
	if err := initComponents(r.Model, p, rng); err != nil {
		return moves, err
	}
	if n := p.Len(); n >= 2 {
		for range r.Proposals {
			i, j := pickPair(n, rng)
			ci, cj := p.assign[i], p.assign[j]
			if ci == cj {
				moves.SplitsProposed++
				ok, err := r.split(p, rng, i, j, ci)
				if err != nil {
					return moves, err
				}
				if ok {
					moves.SplitsAccepted++
				}
				continue
			}
			moves.MergesProposed++
			ok, err := r.merge(p, rng, i, j, ci, cj)
			if err != nil {
				return moves, err
			}
			if ok {
				moves.MergesAccepted++
			}
		}
	}
	gibbs := &AuxiliaryGibbsSampler{Model: r.Model, Prior: r.Prior, Auxiliary: r.Auxiliary, Order: r.Order}
	for range r.GibbsScans {
		if err := gibbs.sweep(p, rng); err != nil {
			return moves, err
		}
		if err := updateComponents(r.Model, p, rng, &moves); err != nil {
			return moves, err
		}
	}
	return moves, nil
}

// launch is a two-sided restricted state with explicit components.
type launch struct {
	model *ConditionalNormalWishart
	prior PartitionPrior
	data  [][]float64

	seeds  [2]int
	rest   []int
	side   []int
	stats  [2]*SufficientStatistics
	comps  [2]*Component
	scores [2]float64
}

// newSplitLaunch divides rest at random between the sides seeded by i and
// j, draws both components from the prior and runs SplitLaunchScans
// restricted scans.
func (r *RestrictedMergeSplitSampler) newSplitLaunch(p *Partition, rng *rand.Rand, i, j int, rest []int) (*launch, error) {
	l := &launch{
		model: r.Model,
		prior: r.Prior,
		data:  p.data,
		seeds: [2]int{i, j},
		rest:  rest,
		side:  make([]int, len(rest)),
	}
	for a := range l.stats {
		l.stats[a] = NewSufficientStatistics(r.Model.Dim())
		l.stats[a].Add(p.data[l.seeds[a]])
		comp, err := r.Model.DrawPrior(rng)
		if err != nil {
			return nil, err
		}
		l.comps[a] = comp
	}
	for k, idx := range rest {
		l.side[k] = rng.IntN(2)
		l.stats[l.side[k]].Add(p.data[idx])
	}
	for range r.SplitLaunchScans {
		if _, err := l.scan(rng, nil, nil, false); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// scan updates the indicators of rest, then each side's component. With
// target and to non-nil the scan is forced to end there. When density is
// set it returns the log density of the transition.
func (l *launch) scan(rng *rand.Rand, target []int, to []*Component, density bool) (float64, error) {
	var logq float64
	for k, idx := range l.rest {
		x := l.data[idx]
		if err := l.stats[l.side[k]].Remove(x); err != nil {
			return 0, err
		}
		for a := range l.scores {
			l.scores[a] = l.prior.LogWeightExisting(l.stats[a].Count()) + l.comps[a].LogLikelihood(x)
		}
		var (
			a   int
			lp  float64
			err error
		)
		if target != nil {
			a = target[k]
			lp, err = logProbOf(l.scores[:], a)
		} else {
			a, lp, err = sampleLog(rng, l.scores[:])
		}
		if err != nil {
			return 0, err
		}
		l.side[k] = a
		l.stats[a].Add(x)
		logq += lp
	}
	for a := range l.comps {
		var next *Component
		if to != nil {
			next = to[a]
		} else {
			var err error
			if next, err = l.model.DrawPosterior(l.stats[a], l.comps[a].Mean, rng); err != nil {
				return 0, err
			}
		}
		if density {
			lt, err := l.model.LogTransition(l.stats[a], l.comps[a], next)
			if err != nil {
				return 0, err
			}
			logq += lt
		}
		l.comps[a] = next
	}
	return logq, nil
}

// logLikelihood is the log likelihood of side a's points under its
// component.
func (l *launch) logLikelihood(a int) float64 {
	ll := l.comps[a].LogLikelihood(l.data[l.seeds[a]])
	for k, idx := range l.rest {
		if l.side[k] == a {
			ll += l.comps[a].LogLikelihood(l.data[idx])
		}
	}
	return ll
}

// mergeLaunch draws a prior component and refines it with MergeLaunchScans
// parameter updates given the merged points s.
func (r *RestrictedMergeSplitSampler) mergeLaunch(s *SufficientStatistics, rng *rand.Rand) (*Component, error) {
	comp, err := r.Model.DrawPrior(rng)
	if err != nil {
		return nil, err
	}
	for range r.MergeLaunchScans {
		if comp, err = r.Model.DrawPosterior(s, comp.Mean, rng); err != nil {
			return nil, err
		}
	}
	return comp, nil
}

// restOf returns the members of the given clusters other than i and j, in
// random order.
func restOf(p *Partition, rng *rand.Rand, i, j int, ids ...int) []int {
	var rest []int
	for _, c := range ids {
		for _, m := range p.Members(c) {
			if m != i && m != j {
				rest = append(rest, m)
			}
		}
	}
	rng.Shuffle(len(rest), func(a, b int) { rest[a], rest[b] = rest[b], rest[a] })
	return rest
}

// split proposes to divide cluster c, seeded by i and j.
func (r *RestrictedMergeSplitSampler) split(p *Partition, rng *rand.Rand, i, j, c int) (bool, error) {
	rest := restOf(p, rng, i, j, c)
	l, err := r.newSplitLaunch(p, rng, i, j, rest)
	if err != nil {
		return false, err
	}
	logqSplit, err := l.scan(rng, nil, nil, true)
	if err != nil {
		return false, err
	}

	cur := p.slots[c]
	merged, err := r.mergeLaunch(cur.stats, rng)
	if err != nil {
		return false, err
	}
	logqMerge, err := r.Model.LogTransition(cur.stats, merged, cur.component)
	if err != nil {
		return false, err
	}

	n1, n2 := l.stats[0].Count(), l.stats[1].Count()
	logRatio := r.Prior.LogSplitMergeRatio(n1, n2, p.NumClusters(), p.Len()) +
		r.Model.LogPrior(l.comps[0]) + r.Model.LogPrior(l.comps[1]) - r.Model.LogPrior(cur.component) +
		l.logLikelihood(0) + l.logLikelihood(1) - componentLogLikelihood(cur.component, p.data, cur.members) +
		logqMerge - logqSplit
	if !accept(rng, logRatio) {
		return false, nil
	}

	members := [2]*roaring.Bitmap{roaring.New(), roaring.New()}
	members[0].Add(uint32(i))
	members[1].Add(uint32(j))
	for k, idx := range rest {
		members[l.side[k]].Add(uint32(idx))
	}
	id := p.open()
	p.replace(c, l.stats[0], members[0])
	p.replace(id, l.stats[1], members[1])
	p.slots[c].component = l.comps[0]
	p.slots[id].component = l.comps[1]
	it := members[1].Iterator()
	for it.HasNext() {
		p.assign[it.Next()] = id
	}
	return true, nil
}

// merge proposes to join clusters ci and cj, containing i and j.
func (r *RestrictedMergeSplitSampler) merge(p *Partition, rng *rand.Rand, i, j, ci, cj int) (bool, error) {
	rest := restOf(p, rng, i, j, ci, cj)
	target := make([]int, len(rest))
	for k, m := range rest {
		if p.assign[m] == cj {
			target[k] = 1
		}
	}
	a, b := p.slots[ci], p.slots[cj]

	l, err := r.newSplitLaunch(p, rng, i, j, rest)
	if err != nil {
		return false, err
	}
	logqSplit, err := l.scan(rng, target, []*Component{a.component, b.component}, true)
	if err != nil {
		return false, err
	}

	stats := a.stats.Clone()
	stats.Merge(b.stats)
	start, err := r.mergeLaunch(stats, rng)
	if err != nil {
		return false, err
	}
	comp, err := r.Model.DrawPosterior(stats, start.Mean, rng)
	if err != nil {
		return false, err
	}
	logqMerge, err := r.Model.LogTransition(stats, start, comp)
	if err != nil {
		return false, err
	}

	members := a.members.Clone()
	members.Or(b.members)
	logRatio := -r.Prior.LogSplitMergeRatio(a.stats.Count(), b.stats.Count(), p.NumClusters()-1, p.Len()) +
		r.Model.LogPrior(comp) - r.Model.LogPrior(a.component) - r.Model.LogPrior(b.component) +
		componentLogLikelihood(comp, p.data, members) -
		componentLogLikelihood(a.component, p.data, a.members) -
		componentLogLikelihood(b.component, p.data, b.members) +
		logqSplit - logqMerge
	if !accept(rng, logRatio) {
		return false, nil
	}

	it := b.members.Iterator()
	for it.HasNext() {
		p.assign[it.Next()] = ci
	}
	p.replace(ci, stats, members)
	p.slots[ci].component = comp
	p.close(cj)
	return true, nil
}
