package core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// engineMetrics exposes the execution engine's health the same way
// core/system_health_logging.go wires typed Prometheus gauges/counters onto
// a private registry, so a peer's metrics don't collide with anything else
// registered in-process.
type engineMetrics struct {
	registry      *prometheus.Registry
	completed     prometheus.Counter
	expired       prometheus.Counter
	errored       prometheus.Counter
	forwarded     prometheus.Counter
	invokeLatency prometheus.Histogram
}

func newEngineMetrics() *engineMetrics {
	reg := prometheus.NewRegistry()

	m := &engineMetrics{
		registry: reg,
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluence_particles_completed_total",
			Help: "Particles that resolved via onSuccess.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluence_particles_expired_total",
			Help: "Particles that resolved via ExpirationError.",
		}),
		errored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluence_particles_errored_total",
			Help: "Particles that resolved via InterpreterError, including AIR-reported errorHandlingSrv.error calls.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fluence_particles_forwarded_total",
			Help: "Particles successfully sent onward to next-hop peers.",
		}),
		invokeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fluence_avm_invoke_seconds",
			Help:    "Latency of a single avm/invoke round trip.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(m.completed, m.expired, m.errored, m.forwarded, m.invokeLatency)
	return m
}

// Handler returns the /metrics HTTP handler for this engine's registry.
func (m *engineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
