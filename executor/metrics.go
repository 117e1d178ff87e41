package executor

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments plan execution, labelled by backend kind.
type Metrics struct {
	Operations *prometheus.CounterVec
	Retries    *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
	Running    prometheus.Gauge
}

// NewMetrics builds and registers executor metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crossdb",
			Subsystem: "executor",
			Name:      "operations_total",
			Help:      "Operations finished, by backend kind and terminal status.",
		}, []string{"kind", "status"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crossdb",
			Subsystem: "executor",
			Name:      "retries_total",
			Help:      "Retry attempts on retryable backend errors.",
		}, []string{"kind"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crossdb",
			Subsystem: "executor",
			Name:      "operation_duration_seconds",
			Help:      "Wall time per operation, including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		Running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "crossdb",
			Subsystem: "executor",
			Name:      "operations_running",
			Help:      "Operations currently in flight.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Retries, m.Duration, m.Running)
	}
	return m
}
