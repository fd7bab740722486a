package imm

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRunConfig(t *testing.T) {
	cfg := DefaultRunConfig()

	if cfg.MaxIter != 1000 {
		t.Errorf("MaxIter: got %d, want 1000", cfg.MaxIter)
	}
	if cfg.Warmup != 500 {
		t.Errorf("Warmup: got %d, want 500", cfg.Warmup)
	}
	if cfg.Seed != 0 {
		t.Errorf("Seed: got %d, want 0", cfg.Seed)
	}
	if cfg.Logger != nil {
		t.Error("Logger: got non-nil, want nil")
	}
	if cfg.Metrics != nil {
		t.Error("Metrics: got non-nil, want nil")
	}
	if cfg.CheckInvariants {
		t.Error("CheckInvariants: got true, want false")
	}
}

func TestRunConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RunConfig)
	}{
		{"zero MaxIter", func(c *RunConfig) { c.MaxIter = 0 }},
		{"negative Warmup", func(c *RunConfig) { c.Warmup = -1 }},
		{"Warmup equals MaxIter", func(c *RunConfig) { c.Warmup = c.MaxIter }},
		{"Warmup above MaxIter", func(c *RunConfig) { c.MaxIter, c.Warmup = 10, 20 }},
	}

	g := NewGibbsSampler(unitModel(t), mustDP(t, 1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRunConfig()
			tt.mutate(&cfg)
			state := mustPartition(t, threePoints, []int{0, 0, 0})
			_, err := Run(g, state, cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig for %s, got %v", tt.name, err)
			}
		})
	}
}

func TestRun_MissingArguments(t *testing.T) {
	cfg := RunConfig{MaxIter: 2}
	_, err := Run(nil, mustPartition(t, threePoints, []int{0, 0, 0}), cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Run(NewGibbsSampler(unitModel(t), mustDP(t, 1)), nil, cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRun_SamplerValidationError(t *testing.T) {
	state := mustPartition(t, fivePoints, []int{0, 0, 0, 0, 0})
	_, err := Run(NewGibbsSampler(unitModel(t), mustDP(t, 1)), state, RunConfig{MaxIter: 2})
	require.Error(t, err)

	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "gibbs", ie.Op)
	assert.Equal(t, -1, ie.Iteration)
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestRun_TraceShape(t *testing.T) {
	data, _ := gaussianClouds(4, 10, 1, []float64{0, 0}, []float64{8, 8})
	state, err := NewPartition(data)
	require.NoError(t, err)

	cfg := RunConfig{MaxIter: 25, Warmup: 5, Seed: 1}
	tr, err := Run(NewGibbsSampler(cloudModel(t), mustDP(t, 1)), state, cfg)
	require.NoError(t, err)

	assert.Equal(t, 20, tr.Len())
	assert.Len(t, tr.NumClusters, 20)
	assert.Len(t, tr.LogPosterior, 20)
	for i, a := range tr.Assignments {
		assert.Len(t, a, len(data))
		assert.Equal(t, Relabel(a), a, "iteration %d is not relabelled", i)
		k := 0
		for _, l := range a {
			k = max(k, l+1)
		}
		assert.Equal(t, tr.NumClusters[i], k)
	}
	// The final recorded assignment is the final state.
	assert.Equal(t, state.Labels(), tr.Assignments[tr.Len()-1])
}

func TestRun_DeterministicBySeed(t *testing.T) {
	data, _ := gaussianClouds(5, 15, 1.5, []float64{-3, 0}, []float64{3, 0})
	s := NewSplitMergeSampler(cloudModel(t), mustDP(t, 1))
	s.GibbsScans = 1
	s.Order = SweepRandom

	run := func(seed uint64) *Trace {
		state, err := NewPartition(data)
		require.NoError(t, err)
		tr, err := Run(s, state, RunConfig{MaxIter: 20, Warmup: 5, Seed: seed})
		require.NoError(t, err)
		return tr
	}
	a, b := run(99), run(99)
	assert.Equal(t, a.Assignments, b.Assignments)
	assert.Equal(t, a.LogPosterior, b.LogPosterior)
	assert.Equal(t, a.Moves, b.Moves)
}

func TestRun_EmptyData(t *testing.T) {
	state, err := NewPartition(nil)
	require.NoError(t, err)
	tr, err := Run(NewGibbsSampler(unitModel(t), mustDP(t, 1)), state, RunConfig{MaxIter: 3, Warmup: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, tr.Len())
	assert.Equal(t, []int{0, 0}, tr.NumClusters)
}

func TestRun_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)

	state := mustPartition(t, threePoints, []int{0, 0, 0})
	cfg := RunConfig{MaxIter: 4, Warmup: 2, Logger: &logger}
	_, err := Run(NewGibbsSampler(unitModel(t), mustDP(t, 1)), state, cfg)
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"message":"starting inference"`)
	assert.Contains(t, out, `"message":"inference finished"`)
	assert.Contains(t, out, `"sampler":"gibbs"`)
	assert.NotContains(t, out, "iteration done", "debug records must be filtered at info level")
}

// failingSampler errors on a chosen iteration.
type failingSampler struct {
	failAt int
	calls  int
}

func (f *failingSampler) Name() string               { return "failing" }
func (f *failingSampler) Validate(p *Partition) error { return nil }
func (f *failingSampler) LogPosterior(p *Partition) (float64, error) {
	return 0, nil
}

func (f *failingSampler) Step(p *Partition, rng *rand.Rand) (Moves, error) {
	defer func() { f.calls++ }()
	if f.calls == f.failAt {
		return Moves{}, ErrNumericalDegeneracy
	}
	return Moves{}, nil
}

func TestRun_StepErrorIsWrapped(t *testing.T) {
	state := mustPartition(t, threePoints, []int{0, 0, 0})
	_, err := Run(&failingSampler{failAt: 3}, state, RunConfig{MaxIter: 10})
	require.Error(t, err)

	var ie *InferenceError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, "failing", ie.Op)
	assert.Equal(t, 3, ie.Iteration)
	assert.True(t, IsNumericalDegeneracy(err))
	assert.Equal(t, "imm: failing: iteration 3: numerical degeneracy", err.Error())
}

func TestRun_CheckInvariantsCatchesCorruption(t *testing.T) {
	state := mustPartition(t, threePoints, []int{0, 0, 1})
	corrupt := &corruptingSampler{}
	_, err := Run(corrupt, state, RunConfig{MaxIter: 3, CheckInvariants: true})
	assert.True(t, IsInconsistentState(err))
}

type corruptingSampler struct{ failingSampler }

func (c *corruptingSampler) Step(p *Partition, rng *rand.Rand) (Moves, error) {
	p.active++
	return Moves{}, nil
}
