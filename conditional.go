package imm

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmat"
	"gonum.org/v1/gonum/stat/distmv"
)

// ConditionalNormalWishart is the conditionally conjugate Gaussian component
// family. Mean and precision are a priori independent,
//
//	μ ~ N(Xi, (Rho·Beta·W)⁻¹),   Λ ~ Wishart(W, Beta),
//
// so the component parameters cannot be integrated out and are instead
// carried explicitly by each cluster as a Component. The mean prior has the
// precision Rho·E[Λ], matching the scale of the conjugate model.
type ConditionalNormalWishart struct {
	dim      int
	xi       []float64
	beta     float64
	w        *mat.SymDense
	invW     *mat.SymDense
	meanPrec *mat.SymDense // ρβW

	precPrior *distmat.Wishart
	meanPrior *distmv.Normal
}

// NewConditionalNormalWishart validates h and builds the conditionally
// conjugate model.
func NewConditionalNormalWishart(h Hyperparameters) (*ConditionalNormalWishart, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	d := h.Dim()
	w := mat.NewSymDense(d, nil)
	w.CopySym(h.W)
	var chol mat.Cholesky
	chol.Factorize(w)
	invW := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(invW); err != nil {
		return nil, fmt.Errorf("%w: inverting W: %v", ErrInvalidHyperparameters, err)
	}
	meanPrec := mat.NewSymDense(d, nil)
	meanPrec.ScaleSym(h.Rho*h.Beta, w)

	xi := append([]float64(nil), h.Xi...)
	precPrior, ok := distmat.NewWishart(w, h.Beta, nil)
	if !ok {
		return nil, fmt.Errorf("%w: Wishart prior is improper", ErrInvalidHyperparameters)
	}
	meanPrior, ok := distmv.NewNormalPrecision(xi, meanPrec, nil)
	if !ok {
		return nil, fmt.Errorf("%w: mean prior precision is not positive definite", ErrInvalidHyperparameters)
	}
	return &ConditionalNormalWishart{
		dim:       d,
		xi:        xi,
		beta:      h.Beta,
		w:         w,
		invW:      invW,
		meanPrec:  meanPrec,
		precPrior: precPrior,
		meanPrior: meanPrior,
	}, nil
}

// Dim returns the observation dimensionality.
func (m *ConditionalNormalWishart) Dim() int { return m.dim }

// Component is the latent mean and precision of one Gaussian cluster.
// Components are immutable once drawn.
type Component struct {
	Mean      []float64
	Precision *mat.SymDense

	normal *distmv.Normal
}

func newComponent(mean []float64, prec *mat.SymDense) (*Component, error) {
	normal, ok := distmv.NewNormalPrecision(mean, prec, nil)
	if !ok {
		return nil, fmt.Errorf("%w: component precision is not positive definite", ErrNumericalDegeneracy)
	}
	return &Component{Mean: mean, Precision: prec, normal: normal}, nil
}

// LogLikelihood returns log N(x | Mean, Precision⁻¹).
func (c *Component) LogLikelihood(x []float64) float64 {
	return c.normal.LogProb(x)
}

// LogPrior returns the log prior density of c.
func (m *ConditionalNormalWishart) LogPrior(c *Component) float64 {
	return m.precPrior.LogProbSym(c.Precision) + m.meanPrior.LogProb(c.Mean)
}

// DrawPrior draws a component from the prior.
func (m *ConditionalNormalWishart) DrawPrior(rng *rand.Rand) (*Component, error) {
	wish, ok := distmat.NewWishart(m.w, m.beta, rng)
	if !ok {
		return nil, fmt.Errorf("%w: Wishart prior is improper", ErrInvalidHyperparameters)
	}
	var prec mat.SymDense
	wish.RandSymTo(&prec)
	meanDist, ok := distmv.NewNormalPrecision(m.xi, m.meanPrec, rng)
	if !ok {
		return nil, fmt.Errorf("%w: mean prior precision is not positive definite", ErrNumericalDegeneracy)
	}
	return newComponent(meanDist.Rand(nil), &prec)
}

// DrawPosterior performs one Gibbs update of a cluster's component given the
// points summarised by s: first
//
//	Λ | μ ~ Wishart((W⁻¹ + Σ(x-μ)(x-μ)ᵀ)⁻¹, β + n)
//
// at the current mean, then
//
//	μ | Λ ~ N(P⁻¹(ρβWξ + ΛΣx), P⁻¹),   P = ρβW + nΛ.
//
// mean is the current component mean; when nil the sample mean of s is
// used. With s empty the result is a prior draw.
func (m *ConditionalNormalWishart) DrawPosterior(s *SufficientStatistics, mean []float64, rng *rand.Rand) (*Component, error) {
	if s.Dim() != m.dim {
		return nil, fmt.Errorf("%w: statistics have dimension %d, model %d", ErrInvalidData, s.Dim(), m.dim)
	}
	if s.IsEmpty() {
		return m.DrawPrior(rng)
	}
	if mean == nil {
		mean = s.Mean()
	}
	wish, err := m.precisionConditional(s, mean, rng)
	if err != nil {
		return nil, err
	}
	var prec mat.SymDense
	wish.RandSymTo(&prec)
	normal, err := m.meanConditional(s, &prec, rng)
	if err != nil {
		return nil, err
	}
	return newComponent(normal.Rand(nil), &prec)
}

// LogTransition returns the log density with which DrawPosterior(s,
// from.Mean) yields to. It is the parameter part of the proposal densities
// of the restricted merge-split moves.
func (m *ConditionalNormalWishart) LogTransition(s *SufficientStatistics, from, to *Component) (float64, error) {
	if s.IsEmpty() {
		return m.LogPrior(to), nil
	}
	wish, err := m.precisionConditional(s, from.Mean, nil)
	if err != nil {
		return 0, err
	}
	normal, err := m.meanConditional(s, to.Precision, nil)
	if err != nil {
		return 0, err
	}
	return wish.LogProbSym(to.Precision) + normal.LogProb(to.Mean), nil
}

// precisionConditional is the law of Λ given the mean and the points of s.
func (m *ConditionalNormalWishart) precisionConditional(s *SufficientStatistics, mean []float64, rng *rand.Rand) (*distmat.Wishart, error) {
	d := m.dim
	n := float64(s.Count())

	// Scatter about mean: Σxxᵀ - (Σx)μᵀ - μ(Σx)ᵀ + nμμᵀ.
	mu := mat.NewVecDense(d, mean)
	scatter := mat.NewSymDense(d, nil)
	scatter.AddSym(m.invW, s.Outer())
	scatter.RankTwo(scatter, -1, mat.NewVecDense(d, s.Sum()), mu)
	scatter.SymRankOne(scatter, n, mu)

	var chol mat.Cholesky
	if ok := chol.Factorize(scatter); !ok {
		return nil, fmt.Errorf("%w: scatter of a %d-point cluster is not positive definite",
			ErrNumericalDegeneracy, s.Count())
	}
	v := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNumericalDegeneracy, err)
	}
	var src rand.Source
	if rng != nil {
		src = rng
	}
	wish, ok := distmat.NewWishart(v, m.beta+n, src)
	if !ok {
		return nil, fmt.Errorf("%w: posterior Wishart scale is not positive definite", ErrNumericalDegeneracy)
	}
	return wish, nil
}

// meanConditional is the law of μ given the precision and the points of s.
func (m *ConditionalNormalWishart) meanConditional(s *SufficientStatistics, prec mat.Symmetric, rng *rand.Rand) (*distmv.Normal, error) {
	d := m.dim
	post := mat.NewSymDense(d, nil)
	post.ScaleSym(float64(s.Count()), prec)
	post.AddSym(post, m.meanPrec)

	var b, lsum mat.VecDense
	b.MulVec(m.meanPrec, mat.NewVecDense(d, m.xi))
	lsum.MulVec(prec, mat.NewVecDense(d, s.Sum()))
	b.AddVec(&b, &lsum)

	var pchol mat.Cholesky
	if ok := pchol.Factorize(post); !ok {
		return nil, fmt.Errorf("%w: posterior mean precision is not positive definite", ErrNumericalDegeneracy)
	}
	var center mat.VecDense
	if err := pchol.SolveVecTo(&center, &b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNumericalDegeneracy, err)
	}
	var src rand.Source
	if rng != nil {
		src = rng
	}
	normal, ok := distmv.NewNormalPrecision(mat.Col(nil, 0, &center), post, src)
	if !ok {
		return nil, fmt.Errorf("%w: posterior mean precision is not positive definite", ErrNumericalDegeneracy)
	}
	return normal, nil
}
