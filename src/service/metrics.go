package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bundler"

// Validation outcomes used as the "outcome" label.
const (
	OutcomeAccepted       = "accepted"
	OutcomeRejected       = "rejected"
	OutcomeSimulationFail = "simulation_failed"
	OutcomeInvalid        = "invalid"
)

type Metrics struct {
	Validations    *prometheus.CounterVec
	ReplayDuration prometheus.Histogram
	MempoolSize    prometheus.Gauge
	Evictions      prometheus.Counter
	Revalidations  *prometheus.CounterVec
}

// NewMetrics registers the bundler collectors on reg. A nil reg gives
// unregistered collectors, which tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Validations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "validations_total",
			Help:      "Validation attempts by outcome",
		}, []string{"outcome"}),
		ReplayDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "trace_replay_duration_seconds",
			Help:      "Time spent replaying a validation trace",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		MempoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mempool_entries",
			Help:      "Entries currently pending in the mempool",
		}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mempool_evictions_total",
			Help:      "Entries evicted by the revalidation sweep",
		}),
		Revalidations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "revalidations_total",
			Help:      "Revalidation attempts by outcome",
		}, []string{"outcome"}),
	}
}
