package negotiation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's Prometheus collectors.
type Metrics struct {
	Negotiations *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
	Candidates   prometheus.Histogram
}

// NewMetrics creates and registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Negotiations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bargain_negotiations_total",
				Help: "Negotiation requests by outcome and abort reason",
			},
			[]string{"outcome", "reason"}, // outcome: signed, aborted, error, cancelled
		),
		Duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bargain_negotiation_duration_seconds",
				Help:    "Wall-clock time from request to decision",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.28, 0.3, 0.5, 1},
			},
			[]string{"outcome"},
		),
		Candidates: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bargain_candidates_generated",
				Help:    "Candidate counter-offers per feasible set",
				Buckets: []float64{0, 1, 2, 3, 4, 5, 6},
			},
		),
	}
}

func (m *Metrics) record(outcome, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.Negotiations.WithLabelValues(outcome, reason).Inc()
	m.Duration.WithLabelValues(outcome).Observe(seconds)
}

func (m *Metrics) candidates(n int) {
	if m == nil {
		return
	}
	m.Candidates.Observe(float64(n))
}
