// Package metrics wires the dispatcher's Prometheus metrics, the same
// promauto.NewGaugeVec/NewHistogramVec registration pattern the teacher's
// escrow.Metrics uses, narrowed to the gauges and histograms the
// dispatcher's central algorithm and pool need.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/systeminit/veritech/internal/core"
)

// Metrics holds the dispatcher's Prometheus collectors.
type Metrics struct {
	InFlight        *prometheus.GaugeVec
	ExecutionTotal  *prometheus.CounterVec
	ExecutionTiming *prometheus.HistogramVec
	PoolOutstanding prometheus.Gauge
	PoolIdle        prometheus.Gauge
	KillRegSize     prometheus.Gauge
}

// New creates and registers the dispatcher's metrics.
func New() *Metrics {
	return &Metrics{
		InFlight: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatch_inflight_executions",
				Help: "Number of executions currently in flight, by kind.",
			},
			[]string{"kind"},
		),
		ExecutionTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_executions_total",
				Help: "Total terminal executions, by kind and outcome.",
			},
			[]string{"kind", "outcome"}, // outcome: success, decrypt_failed, pool_unavailable, timeout, killed, peer_closed, ...
		),
		ExecutionTiming: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_execution_duration_seconds",
				Help:    "Wall-clock duration of a dispatched execution.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		PoolOutstanding: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pool_outstanding_leases",
			Help: "Number of executor leases currently checked out.",
		}),
		PoolIdle: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_pool_idle_executors",
			Help: "Number of executors currently idle in the pool.",
		}),
		KillRegSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_kill_registry_size",
			Help: "Number of executions currently registered for cancellation.",
		}),
	}
}

// Inc satisfies dispatcher.InFlightMetric.
func (m *Metrics) Inc(kind core.ExecutionKind) {
	m.InFlight.WithLabelValues(string(kind)).Inc()
}

// Dec satisfies dispatcher.InFlightMetric.
func (m *Metrics) Dec(kind core.ExecutionKind) {
	m.InFlight.WithLabelValues(string(kind)).Dec()
}

// RecordOutcome records one terminal execution's outcome and duration.
func (m *Metrics) RecordOutcome(kind core.ExecutionKind, outcome string, durationSeconds float64) {
	m.ExecutionTotal.WithLabelValues(string(kind), outcome).Inc()
	m.ExecutionTiming.WithLabelValues(string(kind)).Observe(durationSeconds)
}

// SetPoolStats updates the pool occupancy gauges.
func (m *Metrics) SetPoolStats(outstanding, idle int) {
	m.PoolOutstanding.Set(float64(outstanding))
	m.PoolIdle.Set(float64(idle))
}

// SetKillRegistrySize updates the kill-registry size gauge.
func (m *Metrics) SetKillRegistrySize(n int) {
	m.KillRegSize.Set(float64(n))
}
