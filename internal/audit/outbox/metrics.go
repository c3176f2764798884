package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for outbox publishing.
type Metrics struct {
	Published       prometheus.Counter
	PublishFailures prometheus.Counter
	BreakerState    prometheus.Gauge
}

// NewMetrics registers the outbox metrics with reg, or the default registry
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "carenotes_audit_outbox_published_total",
			Help: "Total number of audit events published to the broker",
		}),
		PublishFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "carenotes_audit_outbox_publish_failures_total",
			Help: "Total number of failed outbox publish attempts",
		}),
		BreakerState: f.NewGauge(prometheus.GaugeOpts{
			Name: "carenotes_audit_outbox_circuit_breaker_state",
			Help: "Broker circuit breaker state (0=closed, 1=open)",
		}),
	}
}

// SetBreakerState sets the circuit breaker state gauge.
func (m *Metrics) SetBreakerState(open bool) {
	if open {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
}
