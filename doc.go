// Package imm implements posterior inference for infinite Gaussian mixture
// models: Bayesian nonparametric clustering in which the number of clusters
// is learned from the data.
//
// Observations are d-dimensional real vectors. Each cluster is a Gaussian
// with a normal-Wishart prior on its mean and precision, and the partition
// follows either a Dirichlet process (DP) or a mixture of finite mixtures
// (MFM) prior. Inference runs a Markov chain over partitions and records one
// partition per iteration after warm-up.
//
// Basic usage:
//
//	model, err := imm.NewNormalWishart(imm.Hyperparameters{
//		Xi:   []float64{0, 0},
//		Rho:  0.01,
//		Beta: 5,
//		W:    mat.NewSymDense(2, []float64{0.5, 0, 0, 0.5}),
//	})
//	prior, err := imm.NewDP(1)
//	state, err := imm.NewPartition(data)
//	trace, err := imm.Run(imm.NewGibbsSampler(model, prior), state, imm.DefaultRunConfig())
//	// trace.Assignments[t][i] is the cluster of point i at recorded iteration t
//	// trace.CoClustering() is the posterior similarity matrix
//
// # Samplers
//
// [GibbsSampler] is the collapsed Gibbs sampler: cluster parameters are
// integrated out and each point is reseated in turn. [SplitMergeSampler]
// adds sequentially-allocated split-merge moves that relocate whole groups
// of points in one step, optionally followed by Gibbs sweeps:
//
//	sams := imm.NewSplitMergeSampler(model, prior)
//	sams.GibbsScans = 1
//
// [AuxiliaryGibbsSampler] works with [ConditionalNormalWishart], where the
// mean and precision are a priori independent and each cluster carries an
// explicit [Component]. The same model is served by
// [RestrictedMergeSplitSampler], which adds restricted Gibbs merge-split
// moves, and by [SliceSampler] under a DP prior.
//
// # Partition priors
//
// [DP] has a single concentration parameter. [MFM] places a prior on the
// number of components K, which must be supplied:
//
//	kPrior, _ := imm.GeometricKPrior(0.1)
//	prior, err := imm.NewMFM(1, kPrior, nil)
//
// Several chains can be run concurrently with [RunChains]. Runs are
// reproducible: equal seeds, samplers and starting partitions yield equal
// traces.
package imm
