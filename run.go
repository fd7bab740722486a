package imm

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog"
)

// Sampler advances a Partition by one MCMC iteration.
//
// Samplers hold configuration only; all mutable state lives in the Partition
// and the generator passed to Step, so one Sampler value may drive several
// chains concurrently as long as each chain owns its Partition.
type Sampler interface {
	// Name identifies the sampler in logs, metrics and errors.
	Name() string
	// Validate reports whether the sampler is fully configured and can
	// operate on p.
	Validate(p *Partition) error
	// Step performs one iteration, mutating p in place.
	Step(p *Partition, rng *rand.Rand) (Moves, error)
	// LogPosterior returns the unnormalised log posterior of p.
	LogPosterior(p *Partition) (float64, error)
}

// Moves counts the split-merge proposals of one or more iterations.
type Moves struct {
	SplitsProposed int
	SplitsAccepted int
	MergesProposed int
	MergesAccepted int
	// Refreshes counts clusters whose statistics were recomputed from their
	// members after a numerically degenerate posterior.
	Refreshes int
}

func (m *Moves) add(o Moves) {
	m.SplitsProposed += o.SplitsProposed
	m.SplitsAccepted += o.SplitsAccepted
	m.MergesProposed += o.MergesProposed
	m.MergesAccepted += o.MergesAccepted
	m.Refreshes += o.Refreshes
}

// RunConfig controls an inference run.
// Start with [DefaultRunConfig] and override the fields you need.
type RunConfig struct {
	// MaxIter is the total number of iterations, warm-up included.
	// Must be > 0. Default: 1000.
	MaxIter int

	// Warmup is the number of leading iterations whose state is not
	// recorded. Must satisfy 0 <= Warmup < MaxIter. Default: 500.
	Warmup int

	// Seed initialises the run's random generator. Runs with equal seeds,
	// samplers and starting partitions produce identical traces.
	Seed uint64

	// Logger receives run progress. Default: disabled.
	Logger *zerolog.Logger

	// Metrics, when set, is updated after every iteration.
	Metrics *Metrics

	// CheckInvariants validates the partition after every iteration and
	// aborts the run on the first violation. Costs O(N d²) per iteration.
	CheckInvariants bool
}

// DefaultRunConfig returns a RunConfig with reasonable defaults.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		MaxIter: 1000,
		Warmup:  500,
	}
}

// validateRunConfig checks that cfg fields are valid and returns a descriptive error if not.
func validateRunConfig(cfg *RunConfig) error {
	if cfg.MaxIter < 1 {
		return fmt.Errorf("%w: MaxIter must be >= 1, got %d", ErrInvalidConfig, cfg.MaxIter)
	}
	if cfg.Warmup < 0 {
		return fmt.Errorf("%w: Warmup must be >= 0, got %d", ErrInvalidConfig, cfg.Warmup)
	}
	if cfg.Warmup >= cfg.MaxIter {
		return fmt.Errorf("%w: Warmup must be < MaxIter (%d), got %d", ErrInvalidConfig, cfg.MaxIter, cfg.Warmup)
	}
	return nil
}

func (cfg *RunConfig) logger() zerolog.Logger {
	if cfg.Logger == nil {
		return zerolog.Nop()
	}
	return *cfg.Logger
}

// newRand returns the generator of one chain.
func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Trace is the output of a run: one record per post-warm-up iteration.
type Trace struct {
	// Assignments holds the partition of each recorded iteration, relabelled
	// to 0..K-1 in order of first appearance.
	Assignments [][]int
	// NumClusters is the number of active clusters per recorded iteration.
	NumClusters []int
	// LogPosterior is the unnormalised log posterior per recorded iteration.
	LogPosterior []float64
	// Moves totals the split-merge activity over all iterations, warm-up
	// included.
	Moves Moves
}

func newTrace(n int) *Trace {
	return &Trace{
		Assignments:  make([][]int, 0, n),
		NumClusters:  make([]int, 0, n),
		LogPosterior: make([]float64, 0, n),
	}
}

// Len returns the number of recorded iterations.
func (t *Trace) Len() int { return len(t.Assignments) }

func (t *Trace) record(p *Partition, logPost float64) {
	t.Assignments = append(t.Assignments, p.Labels())
	t.NumClusters = append(t.NumClusters, p.NumClusters())
	t.LogPosterior = append(t.LogPosterior, logPost)
}

// Run drives sampler over state for cfg.MaxIter iterations and returns the
// trace of the iterations after warm-up. state is mutated in place and holds
// the final partition on return.
//
// Any error aborts the run; partial traces are not returned since skipping a
// failed iteration would bias the recorded sample.
func Run(sampler Sampler, state *Partition, cfg RunConfig) (*Trace, error) {
	if err := validateRunConfig(&cfg); err != nil {
		return nil, err
	}
	if sampler == nil || state == nil {
		return nil, fmt.Errorf("%w: sampler and state are required", ErrInvalidConfig)
	}
	if err := sampler.Validate(state); err != nil {
		return nil, &InferenceError{Op: sampler.Name(), Iteration: -1, Err: err}
	}
	return run(sampler, state, cfg, newRand(cfg.Seed), cfg.logger())
}

func run(sampler Sampler, state *Partition, cfg RunConfig, rng *rand.Rand, logger zerolog.Logger) (*Trace, error) {
	name := sampler.Name()
	logger = logger.With().Str("sampler", name).Logger()
	logger.Info().
		Int("observations", state.Len()).
		Int("dim", state.Dim()).
		Int("clusters", state.NumClusters()).
		Int("max_iter", cfg.MaxIter).
		Int("warmup", cfg.Warmup).
		Uint64("seed", cfg.Seed).
		Msg("starting inference")

	trace := newTrace(cfg.MaxIter - cfg.Warmup)
	start := time.Now()
	for it := 0; it < cfg.MaxIter; it++ {
		iterStart := time.Now()
		moves, err := sampler.Step(state, rng)
		if err != nil {
			logger.Error().Err(err).Int("iteration", it).Msg("iteration failed")
			return nil, &InferenceError{Op: name, Iteration: it, Err: err}
		}
		if cfg.CheckInvariants {
			if err := state.Validate(); err != nil {
				return nil, &InferenceError{Op: name, Iteration: it, Err: err}
			}
		}
		trace.Moves.add(moves)
		cfg.Metrics.observe(name, moves, state.NumClusters(), time.Since(iterStart))

		if moves.Refreshes > 0 {
			logger.Warn().
				Int("iteration", it).
				Int("refreshed", moves.Refreshes).
				Msg("recomputed degenerate cluster statistics")
		}
		logger.Debug().
			Int("iteration", it).
			Int("clusters", state.NumClusters()).
			Int("splits", moves.SplitsAccepted).
			Int("merges", moves.MergesAccepted).
			Msg("iteration done")

		if it < cfg.Warmup {
			continue
		}
		lp, err := sampler.LogPosterior(state)
		if err != nil {
			return nil, &InferenceError{Op: name, Iteration: it, Err: err}
		}
		trace.record(state, lp)
	}

	logger.Info().
		Int("clusters", state.NumClusters()).
		Int("recorded", trace.Len()).
		Int("splits_accepted", trace.Moves.SplitsAccepted).
		Int("merges_accepted", trace.Moves.MergesAccepted).
		Dur("elapsed", time.Since(start)).
		Msg("inference finished")
	return trace, nil
}
