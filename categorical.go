package imm

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// allocate is the score-and-sample step shared by the Gibbs sweep and the
// restricted split-merge proposals. Candidate k scores
//
//	logPrior[k] + log p(x | cands[k])
//
// and is drawn with probability proportional to exp(score). When force is
// a valid index no draw happens and the log probability of choosing force is
// returned instead, which is how reverse proposal densities are evaluated.
// scores is scratch space of len(cands).
func allocate(rng *rand.Rand, x []float64, cands []*Posterior, logPrior, scores []float64, force int) (int, float64, error) {
	for k, c := range cands {
		scores[k] = logPrior[k] + c.LogPredictive(x)
	}
	if force >= 0 {
		lp, err := logProbOf(scores, force)
		return force, lp, err
	}
	return sampleLog(rng, scores)
}

// sampleLog draws k with probability proportional to exp(logw[k]) and
// returns it with its normalised log probability.
func sampleLog(rng *rand.Rand, logw []float64) (int, float64, error) {
	lse, err := logNormalizer(logw)
	if err != nil {
		return 0, 0, err
	}
	u := rng.Float64()
	last := -1
	var cum float64
	for k, w := range logw {
		if math.IsInf(w, -1) {
			continue
		}
		last = k
		cum += math.Exp(w - lse)
		if u < cum {
			return k, w - lse, nil
		}
	}
	// u landed in the rounding slack above the final cumulative sum.
	return last, logw[last] - lse, nil
}

// logProbOf returns the normalised log probability of index k.
func logProbOf(logw []float64, k int) (float64, error) {
	lse, err := logNormalizer(logw)
	if err != nil {
		return 0, err
	}
	return logw[k] - lse, nil
}

func logNormalizer(logw []float64) (float64, error) {
	if len(logw) == 0 {
		return 0, fmt.Errorf("no candidates to allocate: %w", ErrInconsistentState)
	}
	lse := floats.LogSumExp(logw)
	if math.IsNaN(lse) || math.IsInf(lse, 0) {
		return 0, fmt.Errorf("%w: allocation weights normalise to %v", ErrNumericalDegeneracy, lse)
	}
	return lse, nil
}
