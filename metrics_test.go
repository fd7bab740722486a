package imm

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.observe("gibbs", Moves{SplitsProposed: 1}, 3, time.Millisecond)
	})
}

func TestMetrics_Observe(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.observe("sams", Moves{SplitsProposed: 1, SplitsAccepted: 1}, 4, 2*time.Millisecond)
	m.observe("sams", Moves{MergesProposed: 1, Refreshes: 2}, 3, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Iterations.WithLabelValues("sams")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ActiveClusters.WithLabelValues("sams")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Refreshes.WithLabelValues("sams")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Proposals.WithLabelValues("split", "accepted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Proposals.WithLabelValues("split", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Proposals.WithLabelValues("merge", "rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.IterationDuration))
}

func TestMetrics_Run(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	data, _ := gaussianClouds(8, 10, 1, []float64{-6, 0}, []float64{6, 0})
	state, err := NewPartition(data)
	require.NoError(t, err)
	s := NewSplitMergeSampler(cloudModel(t), mustDP(t, 1))

	cfg := RunConfig{MaxIter: 30, Warmup: 10, Metrics: m}
	tr, err := Run(s, state, cfg)
	require.NoError(t, err)

	assert.Equal(t, 30.0, testutil.ToFloat64(m.Iterations.WithLabelValues("sams")))
	assert.Equal(t, float64(state.NumClusters()), testutil.ToFloat64(m.ActiveClusters.WithLabelValues("sams")))

	proposed := testutil.ToFloat64(m.Proposals.WithLabelValues("split", "accepted")) +
		testutil.ToFloat64(m.Proposals.WithLabelValues("split", "rejected")) +
		testutil.ToFloat64(m.Proposals.WithLabelValues("merge", "accepted")) +
		testutil.ToFloat64(m.Proposals.WithLabelValues("merge", "rejected"))
	assert.Equal(t, float64(tr.Moves.SplitsProposed+tr.Moves.MergesProposed), proposed)
}

func TestMetrics_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
