/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import "github.com/prometheus/client_golang/prometheus"

const metricsLabelResult = "result"

// Values of the "result" label of the acquires counter.
const (
	resultAcquired = "acquired"
	resultRejected = "rejected"
	resultCanceled = "canceled"
)

// MetricsCollector represents a collector of metrics for gate admissions.
type MetricsCollector struct {
	// OccupancyGauge tracks the current number of callers waiting for or holding a slot.
	OccupancyGauge prometheus.Gauge

	// AcquireWaitDuration tracks how long successful acquisitions waited for a free slot.
	AcquireWaitDuration prometheus.Histogram

	// AcquiresTotal counts acquisition attempts partitioned by result
	// ("acquired", "rejected", "canceled").
	AcquiresTotal *prometheus.CounterVec
}

// NewMetricsCollector creates a new instance of MetricsCollector.
func NewMetricsCollector(namespace string) *MetricsCollector {
	occupancyGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "concurrency_gate_occupancy",
		Help:      "Number of callers currently waiting for or holding a gate slot.",
	})

	acquireWaitDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "concurrency_gate_acquire_wait_duration_seconds",
		Help:      "Time spent waiting for a free gate slot by admitted callers.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	acquiresTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "concurrency_gate_acquires_total",
		Help:      "Number of gate acquisition attempts partitioned by result.",
	}, []string{metricsLabelResult})

	return &MetricsCollector{
		OccupancyGauge:      occupancyGauge,
		AcquireWaitDuration: acquireWaitDuration,
		AcquiresTotal:       acquiresTotal,
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (mc *MetricsCollector) MustRegister() {
	prometheus.MustRegister(
		mc.OccupancyGauge,
		mc.AcquireWaitDuration,
		mc.AcquiresTotal,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (mc *MetricsCollector) Unregister() {
	prometheus.Unregister(mc.OccupancyGauge)
	prometheus.Unregister(mc.AcquireWaitDuration)
	prometheus.Unregister(mc.AcquiresTotal)
}

func acquireResultLabels(result string) prometheus.Labels {
	return prometheus.Labels{metricsLabelResult: result}
}
