package imm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRestrictedMergeSplit_Defaults(t *testing.T) {
	r := NewRestrictedMergeSplitSampler(unitConditional(t), mustDP(t, 1))
	assert.Equal(t, "rgms", r.Name())
	assert.Equal(t, 5, r.SplitLaunchScans)
	assert.Equal(t, 1, r.Proposals)
	assert.Equal(t, 1, r.GibbsScans)
	assert.Equal(t, 5, r.MergeLaunchScans)
	assert.Equal(t, 10, r.Auxiliary)
}

func TestRestrictedMergeSplit_Validate(t *testing.T) {
	p := mustPartition(t, threePoints, []int{0, 0, 0})
	tests := []struct {
		name   string
		mutate func(*RestrictedMergeSplitSampler)
		want   error
	}{
		{"defaults", func(*RestrictedMergeSplitSampler) {}, nil},
		{"negative split launch scans", func(r *RestrictedMergeSplitSampler) { r.SplitLaunchScans = -1 }, ErrInvalidConfig},
		{"negative proposals", func(r *RestrictedMergeSplitSampler) { r.Proposals = -1 }, ErrInvalidConfig},
		{"negative Gibbs scans", func(r *RestrictedMergeSplitSampler) { r.GibbsScans = -1 }, ErrInvalidConfig},
		{"negative merge launch scans", func(r *RestrictedMergeSplitSampler) { r.MergeLaunchScans = -1 }, ErrInvalidConfig},
		{"no auxiliary components", func(r *RestrictedMergeSplitSampler) { r.Auxiliary = 0 }, ErrInvalidConfig},
		{"no auxiliary components without Gibbs scans", func(r *RestrictedMergeSplitSampler) {
			r.Auxiliary = 0
			r.GibbsScans = 0
		}, nil},
		{"missing model", func(r *RestrictedMergeSplitSampler) { r.Model = nil }, ErrInvalidConfig},
		{"missing prior", func(r *RestrictedMergeSplitSampler) { r.Prior = nil }, ErrInvalidConfig},
		{"dimension mismatch", func(r *RestrictedMergeSplitSampler) { r.Model = cloudConditional(t) }, ErrInvalidData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRestrictedMergeSplitSampler(unitConditional(t), mustDP(t, 1))
			tt.mutate(r)
			err := r.Validate(p)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRestrictedMergeSplit_StationaryDistribution(t *testing.T) {
	m := unitConditional(t)
	t.Run("DP", func(t *testing.T) {
		prior := mustDP(t, 1)
		tr := assertTwoPointStationary(t, NewRestrictedMergeSplitSampler(m, prior), m, prior)
		assert.Positive(t, tr.Moves.SplitsAccepted)
		assert.Positive(t, tr.Moves.MergesAccepted)
	})
	t.Run("MFM", func(t *testing.T) {
		prior := mustMFM(t, 1, geometric(t, 0.5))
		assertTwoPointStationary(t, NewRestrictedMergeSplitSampler(m, prior), m, prior)
	})
}

func TestRestrictedMergeSplit_MovesOnlyKeepComponents(t *testing.T) {
	m := unitConditional(t)
	r := NewRestrictedMergeSplitSampler(m, mustDP(t, 1))
	r.GibbsScans = 0
	state := mustPartition(t, threePoints, []int{0, 0, 1})
	rng := newRand(12)

	var total Moves
	for i := 0; i < 200; i++ {
		mv, err := r.Step(state, rng)
		require.NoError(t, err)
		total.add(mv)
		require.NoError(t, state.Validate())
		for _, id := range state.ClusterIDs() {
			require.NotNil(t, state.Component(id), "cluster %d after step %d", id, i)
		}
	}
	assert.Equal(t, 200, total.SplitsProposed+total.MergesProposed)
	assert.Positive(t, total.SplitsAccepted+total.MergesAccepted)
}

func TestRestrictedMergeSplit_RejectedMovesLeaveStateUntouched(t *testing.T) {
	data, truth := gaussianClouds(21, 20, 1, []float64{-20, 0}, []float64{20, 0})
	r := NewRestrictedMergeSplitSampler(cloudConditional(t), mustDP(t, 1e-12))
	r.GibbsScans = 0
	state := mustPartition(t, data, truth)
	rng := newRand(3)
	require.NoError(t, initComponents(r.Model, state, rng))
	comps := make(map[int]*Component)
	for _, id := range state.ClusterIDs() {
		comps[id] = state.Component(id)
	}

	var total Moves
	for i := 0; i < 30; i++ {
		mv, err := r.Step(state, rng)
		require.NoError(t, err)
		total.add(mv)
	}
	require.NoError(t, state.Validate())
	assert.True(t, SamePartition(truth, state.Assignment()))
	assert.Equal(t, 0, total.SplitsAccepted)
	assert.Equal(t, 0, total.MergesAccepted)
	for id, c := range comps {
		assert.Same(t, c, state.Component(id), "cluster %d", id)
	}
}

func TestRestrictedMergeSplit_KeepsSeparatedClouds(t *testing.T) {
	data, truth := gaussianClouds(1, 40, 1, []float64{-20, 0}, []float64{20, 0})
	r := NewRestrictedMergeSplitSampler(cloudConditional(t), mustDP(t, 0.1))
	state := mustPartition(t, data, truth)

	cfg := RunConfig{MaxIter: 30, Warmup: 20, Seed: 8, CheckInvariants: true}
	tr, err := Run(r, state, cfg)
	require.NoError(t, err)
	assert.Equal(t, 10, tr.Len())
	assert.Equal(t, 2, state.NumClusters())
	assert.GreaterOrEqual(t, agreement(state.Labels(), truth), 0.95)
}

func TestRestrictedMergeSplit_SingleObservation(t *testing.T) {
	state := mustPartition(t, [][]float64{{1}}, []int{0})
	r := NewRestrictedMergeSplitSampler(unitConditional(t), mustDP(t, 1))
	mv, err := r.Step(state, newRand(1))
	require.NoError(t, err)
	assert.Zero(t, mv.SplitsProposed+mv.MergesProposed)
	assert.Equal(t, 1, state.NumClusters())
}
