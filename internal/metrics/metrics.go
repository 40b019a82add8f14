// Package metrics defines the broker's Prometheus collectors, served by
// internal/adminhttp at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the set of collectors the broker exports. One Registry is
// created per process and handed to the broker Server, which updates
// RequestsTotal and RequestDuration through ObserveRequest. The other
// collectors are registered and exported but nothing updates them.
type Registry struct {
	InstancesTotal       prometheus.Gauge
	InstancesByState     *prometheus.GaugeVec
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	IdempotencyCacheSize prometheus.Gauge
	QueueDepth           *prometheus.GaugeVec
	GraceEvictionsTotal  prometheus.Counter
}

// New registers every collector against a fresh *prometheus.Registry and
// returns both, so cmd/relay can wire the registry into promhttp without
// polluting the default global registry used by other libraries.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Registry{
		InstancesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "instances_total",
			Help:      "Number of instances currently registered with the broker.",
		}),
		InstancesByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "instances_by_state",
			Help:      "Number of registered instances in each state.",
		}, []string{"state"}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total REQUEST frames routed, labeled by outcome.",
		}, []string{"outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "Time from REQUEST receipt to RESPONSE/ERROR, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		IdempotencyCacheSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "idempotency_cache_size",
			Help:      "Entries currently held in the global idempotency cache.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "queue_depth",
			Help:      "Depth of each instance's pending command queue.",
		}, []string{"instance_id"}),
		GraceEvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "grace_evictions_total",
			Help:      "Instances evicted after their disconnect grace period expired.",
		}),
	}
	return m, reg
}

// ObserveRequest records the outcome and latency of one routed REQUEST.
func (m *Registry) ObserveRequest(command, outcome string, seconds float64) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.WithLabelValues(command).Observe(seconds)
}
