package imm

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes sampler progress as Prometheus collectors. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Iterations counts completed iterations per sampler
	Iterations *prometheus.CounterVec

	// Proposals counts split-merge proposals by move and outcome
	Proposals *prometheus.CounterVec

	// Refreshes counts degenerate clusters whose statistics were recomputed
	Refreshes *prometheus.CounterVec

	// ActiveClusters tracks the number of clusters after the last iteration
	ActiveClusters *prometheus.GaugeVec

	// IterationDuration tracks the wall time of one iteration
	IterationDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. Use
// prometheus.DefaultRegisterer to expose them on the default endpoint.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Iterations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imm_iterations_total",
				Help: "The total number of completed sampler iterations",
			},
			[]string{"sampler"},
		),
		Proposals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imm_split_merge_proposals_total",
				Help: "The total number of split-merge proposals",
			},
			[]string{"move", "outcome"},
		),
		Refreshes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imm_statistics_refreshes_total",
				Help: "The total number of cluster statistics recomputed after a degenerate posterior",
			},
			[]string{"sampler"},
		),
		ActiveClusters: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "imm_active_clusters",
				Help: "Current number of active clusters",
			},
			[]string{"sampler"},
		),
		IterationDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "imm_iteration_duration_seconds",
				Help:    "The duration of sampler iterations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // From 100µs to ~3s
			},
			[]string{"sampler"},
		),
	}
}

func (m *Metrics) observe(sampler string, mv Moves, clusters int, d time.Duration) {
	if m == nil {
		return
	}
	m.Iterations.WithLabelValues(sampler).Inc()
	m.ActiveClusters.WithLabelValues(sampler).Set(float64(clusters))
	m.IterationDuration.WithLabelValues(sampler).Observe(d.Seconds())
	if mv.Refreshes > 0 {
		m.Refreshes.WithLabelValues(sampler).Add(float64(mv.Refreshes))
	}
	if mv.SplitsProposed > 0 {
		m.Proposals.WithLabelValues("split", "accepted").Add(float64(mv.SplitsAccepted))
		m.Proposals.WithLabelValues("split", "rejected").Add(float64(mv.SplitsProposed - mv.SplitsAccepted))
	}
	if mv.MergesProposed > 0 {
		m.Proposals.WithLabelValues("merge", "accepted").Add(float64(mv.MergesAccepted))
		m.Proposals.WithLabelValues("merge", "rejected").Add(float64(mv.MergesProposed - mv.MergesAccepted))
	}
}
