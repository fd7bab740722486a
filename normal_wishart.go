package imm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

// Hyperparameters of the normal-Wishart base measure
//
//	μ | Λ ~ N(Xi, (Rho·Λ)⁻¹),   Λ ~ Wishart(W, Beta),
//
// so that E[Λ] = Beta·W. They are shared read-only by every evaluation of a
// run.
type Hyperparameters struct {
	// Xi is the prior mean of the component means.
	Xi []float64
	// Rho scales the precision of the component means. Must be > 0.
	Rho float64
	// Beta is the Wishart degrees of freedom. Must be > d-1.
	Beta float64
	// W is the Wishart scale matrix. Must be symmetric positive definite.
	W mat.Symmetric
}

// Dim returns the dimensionality implied by Xi.
func (h Hyperparameters) Dim() int { return len(h.Xi) }

// Validate checks the hyperparameters and returns an error wrapping
// ErrInvalidHyperparameters describing the first violation.
func (h Hyperparameters) Validate() error {
	d := len(h.Xi)
	if d == 0 {
		return fmt.Errorf("%w: Xi is empty", ErrInvalidHyperparameters)
	}
	for i, v := range h.Xi {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: Xi[%d] is %v", ErrInvalidHyperparameters, i, v)
		}
	}
	if !(h.Rho > 0) || math.IsInf(h.Rho, 0) {
		return fmt.Errorf("%w: Rho must be > 0, got %v", ErrInvalidHyperparameters, h.Rho)
	}
	if !(h.Beta > float64(d-1)) || math.IsInf(h.Beta, 0) {
		return fmt.Errorf("%w: Beta must be > %d, got %v", ErrInvalidHyperparameters, d-1, h.Beta)
	}
	if h.W == nil {
		return fmt.Errorf("%w: W is nil", ErrInvalidHyperparameters)
	}
	if n := h.W.SymmetricDim(); n != d {
		return fmt.Errorf("%w: W is %dx%d, want %dx%d", ErrInvalidHyperparameters, n, n, d, d)
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(h.W); !ok {
		return fmt.Errorf("%w: W is not positive definite", ErrInvalidHyperparameters)
	}
	return nil
}

// NormalWishart is the conjugate Gaussian component family. Component
// parameters are integrated out, so cluster scores depend on the data only
// through SufficientStatistics. All methods are safe for concurrent use.
type NormalWishart struct {
	dim   int
	xi    []float64
	rho   float64
	beta  float64
	invW  *mat.SymDense
	xiXi  *mat.SymDense // ρξξᵀ
	prior *Posterior
}

// NewNormalWishart validates h and builds the conjugate model.
func NewNormalWishart(h Hyperparameters) (*NormalWishart, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}
	d := h.Dim()
	var chol mat.Cholesky
	chol.Factorize(h.W)
	invW := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(invW); err != nil {
		return nil, fmt.Errorf("%w: inverting W: %v", ErrInvalidHyperparameters, err)
	}
	xi := append([]float64(nil), h.Xi...)
	xiXi := mat.NewSymDense(d, nil)
	xiXi.SymRankOne(xiXi, h.Rho, mat.NewVecDense(d, xi))

	m := &NormalWishart{
		dim:  d,
		xi:   xi,
		rho:  h.Rho,
		beta: h.Beta,
		invW: invW,
		xiXi: xiXi,
	}
	prior, err := m.Posterior(NewSufficientStatistics(d))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHyperparameters, err)
	}
	m.prior = prior
	return m, nil
}

// Dim returns the observation dimensionality.
func (m *NormalWishart) Dim() int { return m.dim }

// Posterior holds updated normal-Wishart parameters given a cluster's data.
// InvW is the inverse of the posterior scale matrix.
type Posterior struct {
	Xi   []float64
	Rho  float64
	Beta float64
	InvW *mat.SymDense

	chol mat.Cholesky // of InvW
}

// Posterior computes the closed-form update
//
//	ρ' = ρ + n,  β' = β + n,  ξ' = (ρξ + Σx)/ρ',
//	W'⁻¹ = W⁻¹ + Σxxᵀ + ρξξᵀ - ρ'ξ'ξ'ᵀ.
//
// It returns ErrNumericalDegeneracy when W'⁻¹ is not positive definite.
func (m *NormalWishart) Posterior(s *SufficientStatistics) (*Posterior, error) {
	if s.Dim() != m.dim {
		return nil, fmt.Errorf("%w: statistics have dimension %d, model %d", ErrInvalidData, s.Dim(), m.dim)
	}
	n := float64(s.Count())
	rhoN := m.rho + n
	xiN := make([]float64, m.dim)
	floats.AddScaledTo(xiN, s.Sum(), m.rho, m.xi)
	floats.Scale(1/rhoN, xiN)

	invWN := mat.NewSymDense(m.dim, nil)
	invWN.AddSym(m.invW, s.Outer())
	invWN.AddSym(invWN, m.xiXi)
	invWN.SymRankOne(invWN, -rhoN, mat.NewVecDense(m.dim, xiN))

	p := &Posterior{
		Xi:   xiN,
		Rho:  rhoN,
		Beta: m.beta + n,
		InvW: invWN,
	}
	if ok := p.chol.Factorize(invWN); !ok {
		return nil, fmt.Errorf("%w: posterior scale of a %d-point cluster is not positive definite",
			ErrNumericalDegeneracy, s.Count())
	}
	return p, nil
}

// LogMarginalLikelihood returns log p(X_S), the evidence of the points
// summarised by s with the component parameters integrated out.
func (m *NormalWishart) LogMarginalLikelihood(s *SufficientStatistics) (float64, error) {
	p, err := m.Posterior(s)
	if err != nil {
		return 0, err
	}
	n := float64(s.Count())
	d := float64(m.dim)
	return -n*d/2*math.Log(math.Pi) +
		mathext.MvLgamma(p.Beta/2, m.dim) - mathext.MvLgamma(m.beta/2, m.dim) +
		m.beta/2*m.prior.chol.LogDet() - p.Beta/2*p.chol.LogDet() +
		d/2*(math.Log(m.rho)-math.Log(p.Rho)), nil
}

// LogPredictive returns the log posterior-predictive density of x given the
// points summarised by s. With s empty it is the prior predictive.
func (m *NormalWishart) LogPredictive(x []float64, s *SufficientStatistics) (float64, error) {
	if s.IsEmpty() {
		return m.prior.LogPredictive(x), nil
	}
	p, err := m.Posterior(s)
	if err != nil {
		return 0, err
	}
	return p.LogPredictive(x), nil
}

// LogPriorPredictive returns the log prior-predictive density of x.
func (m *NormalWishart) LogPriorPredictive(x []float64) float64 {
	return m.prior.LogPredictive(x)
}

// LogPredictive evaluates the multivariate Student-t predictive with
// ν = β' - d + 1 degrees of freedom, location ξ' and scale W'⁻¹(ρ'+1)/(ρ'ν).
func (p *Posterior) LogPredictive(x []float64) float64 {
	d := len(p.Xi)
	fd := float64(d)
	nu := p.Beta - fd + 1
	scale := (p.Rho + 1) / (p.Rho * nu)

	diff := make([]float64, d)
	floats.SubTo(diff, x, p.Xi)
	dv := mat.NewVecDense(d, diff)
	var sol mat.VecDense
	if err := p.chol.SolveVecTo(&sol, dv); err != nil {
		return math.Inf(-1)
	}
	maha := mat.Dot(dv, &sol) / scale

	return lgamma((nu+fd)/2) - lgamma(nu/2) -
		fd/2*math.Log(nu*math.Pi) -
		0.5*(p.chol.LogDet()+fd*math.Log(scale)) -
		(nu+fd)/2*math.Log1p(maha/nu)
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}
