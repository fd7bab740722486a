package imm

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/RoaringBitmap/roaring"
)

// AuxiliaryGibbsSampler is Neal's algorithm 8 for the conditionally
// conjugate model. Each observation is reseated among the active clusters,
// scored by their components, and Auxiliary fresh components drawn from the
// prior that share the new-cluster weight equally. When the observation was
// alone in its cluster, that cluster's component takes the first auxiliary
// place. After the sweep every cluster's component is redrawn from its
// conditional posterior.
type AuxiliaryGibbsSampler struct {
	Model *ConditionalNormalWishart
	Prior PartitionPrior

	// Auxiliary is the number of auxiliary components m. Must be >= 1.
	// Default: 10.
	Auxiliary int

	Order SweepOrder
}

// NewAuxiliaryGibbsSampler returns a sampler with 10 auxiliary components.
func NewAuxiliaryGibbsSampler(model *ConditionalNormalWishart, prior PartitionPrior) *AuxiliaryGibbsSampler {
	return &AuxiliaryGibbsSampler{Model: model, Prior: prior, Auxiliary: 10}
}

func (a *AuxiliaryGibbsSampler) Name() string { return "auxiliary-gibbs" }

func (a *AuxiliaryGibbsSampler) Validate(p *Partition) error {
	if a.Auxiliary < 1 {
		return fmt.Errorf("%w: Auxiliary must be >= 1, got %d", ErrInvalidConfig, a.Auxiliary)
	}
	return validateConditional(a.Model, a.Prior, p)
}

func (a *AuxiliaryGibbsSampler) Step(p *Partition, rng *rand.Rand) (Moves, error) {
	var moves Moves
	if err := initComponents(a.Model, p, rng); err != nil {
		return moves, err
	}
	if err := a.sweep(p, rng); err != nil {
		return moves, err
	}
	err := updateComponents(a.Model, p, rng, &moves)
	return moves, err
}

// sweep reseats every observation once with the components held fixed.
func (a *AuxiliaryGibbsSampler) sweep(p *Partition, rng *rand.Rand) error {
	m := a.Auxiliary
	logM := math.Log(float64(m))
	n := p.Len()
	aux := make([]*Component, m)
	var (
		ids    []int
		scores []float64
	)
	for _, i := range a.Order.indices(n, rng) {
		x := p.data[i]
		own := p.Component(p.assign[i])
		old, closed, err := p.remove(i)
		if err != nil {
			return err
		}
		// undo returns i to its cluster, with its component if it closed.
		undo := func(err error) error {
			p.restore(i, old)
			if closed {
				p.slots[old].component = own
			}
			return err
		}
		for k := range aux {
			if k == 0 && closed {
				aux[0] = own
				continue
			}
			if aux[k], err = a.Model.DrawPrior(rng); err != nil {
				return undo(err)
			}
		}

		ids, scores = ids[:0], scores[:0]
		for id, c := range p.slots {
			if c == nil {
				continue
			}
			ids = append(ids, id)
			scores = append(scores, a.Prior.LogWeightExisting(c.stats.Count())+c.component.LogLikelihood(x))
		}
		logNew := a.Prior.LogWeightNew(p.NumClusters(), n) - logM
		for _, c := range aux {
			scores = append(scores, logNew+c.LogLikelihood(x))
		}

		k, _, err := sampleLog(rng, scores)
		if err != nil {
			return undo(fmt.Errorf("observation %d: %w", i, err))
		}
		if k < len(ids) {
			if err := p.add(i, ids[k]); err != nil {
				return err
			}
			continue
		}
		id := p.open()
		p.slots[id].component = aux[k-len(ids)]
		if err := p.add(i, id); err != nil {
			return err
		}
	}
	return nil
}

func (a *AuxiliaryGibbsSampler) LogPosterior(p *Partition) (float64, error) {
	return conditionalLogPosterior(a.Model, a.Prior, p)
}

func validateConditional(model *ConditionalNormalWishart, prior PartitionPrior, p *Partition) error {
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

// updateComponents redraws every cluster's component from its conditional
// posterior. A degenerate cluster has its statistics recomputed once.
func updateComponents(model *ConditionalNormalWishart, p *Partition, rng *rand.Rand, moves *Moves) error {
	for id, c := range p.slots {
		if c == nil {
			continue
		}
		comp, err := model.DrawPosterior(c.stats, c.component.Mean, rng)
		if IsNumericalDegeneracy(err) {
			p.refresh(id)
			moves.Refreshes++
			comp, err = model.DrawPosterior(c.stats, c.component.Mean, rng)
		}
		if err != nil {
			return fmt.Errorf("cluster %d: %w", id, err)
		}
		c.component = comp
	}
	return nil
}

// initComponents draws a component for every cluster that has none, as after
// construction, a conjugate run or a split-merge commit.
func initComponents(model *ConditionalNormalWishart, p *Partition, rng *rand.Rand) error {
	for id, c := range p.slots {
		if c == nil || c.component != nil {
			continue
		}
		comp, err := model.DrawPosterior(c.stats, nil, rng)
		if IsNumericalDegeneracy(err) {
			// Too few points for a sample-mean start; fall back to the prior.
			comp, err = model.DrawPrior(rng)
		}
		if err != nil {
			return fmt.Errorf("cluster %d: %w", id, err)
		}
		c.component = comp
	}
	return nil
}

// conditionalLogPosterior is the unnormalised joint log density of the
// partition and the cluster components:
//
//	log p(C) + Σ_c [log p0(φ_c) + Σ_{i∈c} log N(x_i | φ_c)].
func conditionalLogPosterior(model *ConditionalNormalWishart, prior PartitionPrior, p *Partition) (float64, error) {
	lp := prior.LogProb(p.Sizes())
	for id, c := range p.slots {
		if c == nil {
			continue
		}
		if c.component == nil {
			return 0, fmt.Errorf("cluster %d has no component: %w", id, ErrInconsistentState)
		}
		lp += model.LogPrior(c.component) + componentLogLikelihood(c.component, p.data, c.members)
	}
	return lp, nil
}

func componentLogLikelihood(c *Component, data [][]float64, members *roaring.Bitmap) float64 {
	var ll float64
	it := members.Iterator()
	for it.HasNext() {
		ll += c.LogLikelihood(data[it.Next()])
	}
	return ll
}
