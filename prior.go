package imm

import (
	"fmt"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"gonum.org/v1/gonum/stat/distuv"
)

// PartitionPrior is the exchangeable partition law of a mixture model. The
// methods return log weights that the samplers combine with the component
// likelihoods; they depend on cluster sizes only, never on the data.
type PartitionPrior interface {
	// LogWeightExisting is the log weight of seating a point at a cluster
	// that currently holds size other points.
	LogWeightExisting(size int) float64

	// LogWeightNew is the log weight of opening a new cluster when
	// numClusters clusters are active (excluding the point being placed) in
	// a data set of n observations.
	LogWeightNew(numClusters, n int) float64

	// LogSplitMergeRatio is log p(split)/p(merged) for splitting one cluster
	// into parts of sizes n1 and n2, where the merged partition has
	// numClusters clusters over n observations.
	LogSplitMergeRatio(n1, n2, numClusters, n int) float64

	// LogProb is the log probability of a partition with the given cluster
	// sizes.
	LogProb(sizes []int) float64
}

// DP is the Dirichlet process (Chinese restaurant) partition prior.
type DP struct {
	Alpha float64
}

// NewDP returns a Dirichlet process prior with concentration alpha.
func NewDP(alpha float64) (*DP, error) {
	if !(alpha > 0) || math.IsInf(alpha, 0) {
		return nil, fmt.Errorf("%w: DP concentration must be > 0, got %v", ErrInvalidHyperparameters, alpha)
	}
	return &DP{Alpha: alpha}, nil
}

func (p *DP) LogWeightExisting(size int) float64 {
	return math.Log(float64(size))
}

func (p *DP) LogWeightNew(numClusters, n int) float64 {
	return math.Log(p.Alpha)
}

func (p *DP) LogSplitMergeRatio(n1, n2, numClusters, n int) float64 {
	return math.Log(p.Alpha) + lgamma(float64(n1)) + lgamma(float64(n2)) - lgamma(float64(n1+n2))
}

func (p *DP) LogProb(sizes []int) float64 {
	n := 0
	lp := float64(len(sizes)) * math.Log(p.Alpha)
	for _, s := range sizes {
		lp += lgamma(float64(s))
		n += s
	}
	return lp + lgamma(p.Alpha) - lgamma(p.Alpha+float64(n))
}

// KPrior is the log probability mass function of the number of mixture
// components K, defined for k >= 1. It must return -Inf outside the support.
type KPrior func(k int) float64

// GeometricKPrior returns the law P(K=k) = (1-p)^(k-1) p.
func GeometricKPrior(p float64) (KPrior, error) {
	if !(p > 0 && p <= 1) {
		return nil, fmt.Errorf("%w: geometric parameter must be in (0, 1], got %v", ErrInvalidHyperparameters, p)
	}
	logP, log1mP := math.Log(p), math.Log1p(-p)
	return func(k int) float64 {
		if k < 1 {
			return math.Inf(-1)
		}
		if k == 1 {
			return logP
		}
		return float64(k-1)*log1mP + logP
	}, nil
}

// PoissonKPrior returns the law K-1 ~ Poisson(lambda).
func PoissonKPrior(lambda float64) (KPrior, error) {
	if !(lambda > 0) || math.IsInf(lambda, 0) {
		return nil, fmt.Errorf("%w: Poisson rate must be > 0, got %v", ErrInvalidHyperparameters, lambda)
	}
	pois := distuv.Poisson{Lambda: lambda}
	return func(k int) float64 {
		if k < 1 {
			return math.Inf(-1)
		}
		return pois.LogProb(float64(k - 1))
	}, nil
}

// MFMOptions tunes the evaluation of the MFM coefficients.
type MFMOptions struct {
	// MaxK bounds the series over K. Default: 10000.
	MaxK int
	// CacheSize is the number of memoised log V_n(t) values. Default: 1024.
	CacheSize int
}

// MFM is the mixture-of-finite-mixtures partition prior of Miller and
// Harrison: K ~ KPrior, weights | K ~ Dirichlet(γ, ..., γ). Its EPPF is
//
//	p(C) = V_n(t) ∏_c γ^(|c|),   V_n(t) = Σ_{k>=t} k_(t) / (γk)^(n) p(k),
//
// with rising factorials x^(m) and falling factorials k_(t). Evaluations of
// log V_n(t) are memoised; MFM is safe for concurrent use.
type MFM struct {
	Gamma float64

	kPrior KPrior
	maxK   int
	cache  *lru.Cache[vKey, float64]
}

type vKey struct{ n, t int }

// NewMFM returns an MFM prior with Dirichlet concentration gamma and the
// given law on the number of components. kPrior has no default.
func NewMFM(gamma float64, kPrior KPrior, opts *MFMOptions) (*MFM, error) {
	if !(gamma > 0) || math.IsInf(gamma, 0) {
		return nil, fmt.Errorf("%w: MFM Dirichlet concentration must be > 0, got %v", ErrInvalidHyperparameters, gamma)
	}
	if kPrior == nil {
		return nil, fmt.Errorf("%w: MFM requires a prior on the number of components", ErrInvalidHyperparameters)
	}
	maxK, cacheSize := 10000, 1024
	if opts != nil {
		if opts.MaxK > 0 {
			maxK = opts.MaxK
		}
		if opts.CacheSize > 0 {
			cacheSize = opts.CacheSize
		}
	}
	cache, err := lru.New[vKey, float64](cacheSize)
	if err != nil {
		return nil, err
	}
	return &MFM{Gamma: gamma, kPrior: kPrior, maxK: maxK, cache: cache}, nil
}

func (p *MFM) LogWeightExisting(size int) float64 {
	return math.Log(float64(size) + p.Gamma)
}

func (p *MFM) LogWeightNew(numClusters, n int) float64 {
	return math.Log(p.Gamma) + p.LogV(n, numClusters+1) - p.LogV(n, numClusters)
}

func (p *MFM) LogSplitMergeRatio(n1, n2, numClusters, n int) float64 {
	g := p.Gamma
	return p.LogV(n, numClusters+1) - p.LogV(n, numClusters) +
		lgamma(g+float64(n1)) + lgamma(g+float64(n2)) - lgamma(g) - lgamma(g+float64(n1+n2))
}

func (p *MFM) LogProb(sizes []int) float64 {
	n := 0
	var lp float64
	for _, s := range sizes {
		lp += lgamma(p.Gamma+float64(s)) - lgamma(p.Gamma)
		n += s
	}
	return lp + p.LogV(n, len(sizes))
}

// LogV returns log V_n(t). The series is summed from k = max(t, 1) until
// the terms are decreasing and negligible, or MaxK is reached.
func (p *MFM) LogV(n, t int) float64 {
	key := vKey{n, t}
	if v, ok := p.cache.Get(key); ok {
		return v
	}

	const negligible = 40 // nats below the running sum
	g := p.Gamma
	sum := math.Inf(-1)
	prev := math.Inf(-1)
	for k := max(t, 1); k <= p.maxK; k++ {
		lpk := p.kPrior(k)
		if math.IsInf(lpk, -1) {
			if k > t && !math.IsInf(sum, -1) {
				break
			}
			continue
		}
		fk := float64(k)
		term := lgamma(fk+1) - lgamma(fk-float64(t)+1) -
			(lgamma(g*fk+float64(n)) - lgamma(g*fk)) + lpk
		sum = logAddExp(sum, term)
		if term < prev && term < sum-negligible {
			break
		}
		prev = term
	}

	p.cache.Add(key, sum)
	return sum
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a < b {
		a, b = b, a
	}
	return a + math.Log1p(math.Exp(b-a))
}
