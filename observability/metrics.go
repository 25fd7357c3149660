package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records engine activity: lifecycle operations by outcome and
// attestation gateway submissions.
type EscrowMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	attestations *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised escrow engine metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total escrow lifecycle operations segmented by operation.",
			}, []string{"operation"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for escrow lifecycle operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "engine",
				Name:      "attestations_total",
				Help:      "Proof submissions to the attestation gateway by outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			escrowRegistry.operations,
			escrowRegistry.latency,
			escrowRegistry.attestations,
		)
	})
	return escrowRegistry
}

// ObserveOp records one lifecycle operation and its duration since start.
func (m *EscrowMetrics) ObserveOp(operation string, start time.Time) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	m.operations.WithLabelValues(operation).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// RecordAttestation counts one proof submission outcome. Outcomes should be
// stable strings such as "recorded", "rejected" or "error".
func (m *EscrowMetrics) RecordAttestation(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unspecified"
	}
	m.attestations.WithLabelValues(outcome).Inc()
}
