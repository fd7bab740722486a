package imm

import (
	"fmt"
	"math/rand/v2"
)

// SweepOrder selects the order in which a Gibbs sweep visits observations.
type SweepOrder int

const (
	// SweepSequential visits observations 0..N-1.
	SweepSequential SweepOrder = iota
	// SweepRandom visits observations in a fresh random permutation drawn
	// from the run's generator at the start of every sweep.
	SweepRandom
)

func (o SweepOrder) String() string {
	switch o {
	case SweepSequential:
		return "sequential"
	case SweepRandom:
		return "random"
	default:
		return fmt.Sprintf("SweepOrder(%d)", int(o))
	}
}

func (o SweepOrder) indices(n int, rng *rand.Rand) []int {
	if o == SweepRandom {
		return rng.Perm(n)
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// GibbsSampler is the collapsed Gibbs sampler for the conjugate model
// (Neal's algorithm 3). One iteration is a sweep that removes each
// observation from its cluster and reseats it at an existing cluster c with
// weight
//
//	Prior.LogWeightExisting(|c|) + log p(x | c)
//
// or at a new cluster with weight Prior.LogWeightNew(K, N) + log p(x).
type GibbsSampler struct {
	Model *NormalWishart
	Prior PartitionPrior
	Order SweepOrder
}

// NewGibbsSampler returns a sequential-sweep collapsed Gibbs sampler.
func NewGibbsSampler(model *NormalWishart, prior PartitionPrior) *GibbsSampler {
	return &GibbsSampler{Model: model, Prior: prior}
}

func (g *GibbsSampler) Name() string { return "gibbs" }

func (g *GibbsSampler) Validate(p *Partition) error {
	return validateConjugate(g.Model, g.Prior, p)
}

func (g *GibbsSampler) Step(p *Partition, rng *rand.Rand) (Moves, error) {
	var moves Moves
	err := gibbsSweep(g.Model, g.Prior, g.Order, p, rng, &moves)
	return moves, err
}

func (g *GibbsSampler) LogPosterior(p *Partition) (float64, error) {
	return conjugateLogPosterior(g.Model, g.Prior, p)
}

func validateConjugate(model *NormalWishart, prior PartitionPrior, p *Partition) error {
	if model == nil {
		return fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if prior == nil {
		return fmt.Errorf("%w: partition prior is required", ErrInvalidConfig)
	}
	if p.Len() > 0 && p.Dim() != model.Dim() {
		return fmt.Errorf("%w: data dimension %d, model dimension %d", ErrInvalidData, p.Dim(), model.Dim())
	}
	return nil
}

// conjugateLogPosterior is log p(C) + Σ_c log p(X_c).
func conjugateLogPosterior(model *NormalWishart, prior PartitionPrior, p *Partition) (float64, error) {
	lp := prior.LogProb(p.Sizes())
	for id, c := range p.slots {
		if c == nil {
			continue
		}
		lml, err := model.LogMarginalLikelihood(c.stats)
		if err != nil {
			return 0, fmt.Errorf("cluster %d: %w", id, err)
		}
		lp += lml
	}
	return lp, nil
}

// posteriorCache memoises cluster posteriors within one sweep. Entries are
// invalidated whenever the cluster's membership changes.
type posteriorCache struct {
	model *NormalWishart
	posts []*Posterior
	moves *Moves
}

// get returns the posterior of cluster id. A numerically degenerate result
// invalidates the cluster's incremental statistics: they are recomputed
// from the members once and the posterior evaluated again.
func (c *posteriorCache) get(p *Partition, id int) (*Posterior, error) {
	if id < len(c.posts) && c.posts[id] != nil {
		return c.posts[id], nil
	}
	post, err := c.model.Posterior(p.slots[id].stats)
	if IsNumericalDegeneracy(err) {
		p.refresh(id)
		c.moves.Refreshes++
		post, err = c.model.Posterior(p.slots[id].stats)
	}
	if err != nil {
		return nil, fmt.Errorf("cluster %d: %w", id, err)
	}
	for len(c.posts) <= id {
		c.posts = append(c.posts, nil)
	}
	c.posts[id] = post
	return post, nil
}

func (c *posteriorCache) invalidate(id int) {
	if id >= 0 && id < len(c.posts) {
		c.posts[id] = nil
	}
}

// gibbsSweep reseats every observation once.
func gibbsSweep(model *NormalWishart, prior PartitionPrior, order SweepOrder, p *Partition, rng *rand.Rand, moves *Moves) error {
	n := p.Len()
	cache := &posteriorCache{model: model, moves: moves}
	var (
		ids      []int
		cands    []*Posterior
		logPrior []float64
		scores   []float64
	)
	for _, i := range order.indices(n, rng) {
		x := p.data[i]
		old, _, err := p.remove(i)
		if err != nil {
			return err
		}
		cache.invalidate(old)

		ids, cands, logPrior = ids[:0], cands[:0], logPrior[:0]
		for id, c := range p.slots {
			if c == nil {
				continue
			}
			post, err := cache.get(p, id)
			if err != nil {
				p.restore(i, old)
				return err
			}
			ids = append(ids, id)
			cands = append(cands, post)
			logPrior = append(logPrior, prior.LogWeightExisting(c.stats.Count()))
		}
		ids = append(ids, unassigned)
		cands = append(cands, model.prior)
		logPrior = append(logPrior, prior.LogWeightNew(p.NumClusters(), n))

		if cap(scores) < len(cands) {
			scores = make([]float64, len(cands), 2*len(cands))
		}
		k, _, err := allocate(rng, x, cands, logPrior, scores[:len(cands)], -1)
		if err != nil {
			p.restore(i, old)
			return fmt.Errorf("observation %d: %w", i, err)
		}

		target := ids[k]
		if target == unassigned {
			target = p.open()
		}
		if err := p.add(i, target); err != nil {
			return err
		}
		cache.invalidate(target)
	}
	return nil
}
