package policy

import (
	"github.com/faredown/bargain/internal/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the policy store's Prometheus collectors.
type Metrics struct {
	Refreshes    *prometheus.CounterVec
	BreakerState *prometheus.GaugeVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bargain_policy_refreshes_total",
			Help: "Policy cache refreshes by the source that supplied the policy.",
		}, []string{"source"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bargain_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=open, 2=half-open.",
		}, []string{"name"}),
	}
}

// ObserveBreaker is a circuitbreaker.Config.OnStateChange hook.
func (m *Metrics) ObserveBreaker(name string, _, to circuitbreaker.State) {
	m.BreakerState.WithLabelValues(name).Set(float64(to))
}
