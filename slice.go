package imm

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// SliceSampler is the slice sampler of Ge et al. for Dirichlet process
// mixtures with explicit components. An iteration draws the weights of the
// active clusters and of the unrepresented remainder from
// Dirichlet(n_1, ..., n_K, α), a slice level u_i ~ U(0, π_{c_i}) per
// observation, and breaks the remainder into new prior components until it
// falls below every slice level. Each observation is then reseated among the
// components whose weight exceeds its level, with probability proportional
// to the component likelihood, and every cluster's component is redrawn.
//
// Only the DP prior has the stick-breaking representation the sampler needs.
type SliceSampler struct {
	Model *ConditionalNormalWishart
	Prior *DP
}

// NewSliceSampler returns a slice sampler.
func NewSliceSampler(model *ConditionalNormalWishart, prior *DP) *SliceSampler {
	return &SliceSampler{Model: model, Prior: prior}
}

func (s *SliceSampler) Name() string { return "slice" }

func (s *SliceSampler) Validate(p *Partition) error {
	if s.Prior == nil {
		return fmt.Errorf("%w: DP prior is required", ErrInvalidConfig)
	}
	return validateConditional(s.Model, s.Prior, p)
}

func (s *SliceSampler) LogPosterior(p *Partition) (float64, error) {
	return conditionalLogPosterior(s.Model, s.Prior, p)
}

// stick is one instantiated component of the truncated stick-breaking
// representation. id is its partition slot, or unassigned while it holds
// no observation.
type stick struct {
	id     int
	weight float64
	comp   *Component
}

func (s *SliceSampler) Step(p *Partition, rng *rand.Rand) (Moves, error) {
	var moves Moves
	n := p.Len()
	if n == 0 {
		return moves, nil
	}
	if err := initComponents(s.Model, p, rng); err != nil {
		return moves, err
	}

	ids := p.ClusterIDs()
	alpha := make([]float64, len(ids)+1)
	for k, id := range ids {
		alpha[k] = float64(p.Size(id))
	}
	alpha[len(ids)] = s.Prior.Alpha
	w := distmv.NewDirichlet(alpha, rng).Rand(nil)

	sticks := make([]stick, len(ids), len(ids)+1)
	bySlot := make(map[int]int, len(ids))
	for k, id := range ids {
		sticks[k] = stick{id: id, weight: w[k], comp: p.Component(id)}
		bySlot[id] = k
	}

	levels := make([]float64, n)
	lowest := 1.0
	for i := range levels {
		levels[i] = sticks[bySlot[p.assign[i]]].weight * rng.Float64()
		lowest = min(lowest, levels[i])
	}

	remainder := w[len(ids)]
	breaker := distuv.Beta{Alpha: 1, Beta: s.Prior.Alpha, Src: rng}
	for remainder > lowest {
		v := breaker.Rand()
		comp, err := s.Model.DrawPrior(rng)
		if err != nil {
			return moves, err
		}
		sticks = append(sticks, stick{id: unassigned, weight: remainder * v, comp: comp})
		remainder *= 1 - v
	}

	var (
		cands  []int
		scores []float64
	)
	for i := 0; i < n; i++ {
		x := p.data[i]
		own := bySlot[p.assign[i]]
		old, closed, err := p.remove(i)
		if err != nil {
			return moves, err
		}
		if closed {
			sticks[own].id = unassigned
			delete(bySlot, old)
		}

		cands, scores = cands[:0], scores[:0]
		for k, st := range sticks {
			// The own stick always qualifies, even if its weight underflowed.
			if st.weight > levels[i] || k == own {
				cands = append(cands, k)
				scores = append(scores, st.comp.LogLikelihood(x))
			}
		}
		c, _, err := sampleLog(rng, scores)
		if err != nil {
			p.restore(i, old)
			if closed {
				p.slots[old].component = sticks[own].comp
				sticks[own].id = old
				bySlot[old] = own
			}
			return moves, fmt.Errorf("observation %d: %w", i, err)
		}
		st := &sticks[cands[c]]
		if st.id == unassigned {
			st.id = p.open()
			p.slots[st.id].component = st.comp
			bySlot[st.id] = cands[c]
		}
		if err := p.add(i, st.id); err != nil {
			return moves, err
		}
	}

	err := updateComponents(s.Model, p, rng, &moves)
	return moves, err
}
