package aggregate

import "github.com/prometheus/client_golang/prometheus"

// Metrics instruments aggregation throughput, labelled by function
// (merge, join, group_by).
type Metrics struct {
	RowsIn   *prometheus.CounterVec
	RowsOut  *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

// NewMetrics builds and registers aggregation metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RowsIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crossdb",
			Subsystem: "aggregate",
			Name:      "rows_in_total",
			Help:      "Rows consumed by aggregation steps.",
		}, []string{"function"}),
		RowsOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crossdb",
			Subsystem: "aggregate",
			Name:      "rows_out_total",
			Help:      "Rows produced by aggregation steps.",
		}, []string{"function"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crossdb",
			Subsystem: "aggregate",
			Name:      "duration_seconds",
			Help:      "Wall time per aggregation step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"function"}),
	}
	if reg != nil {
		reg.MustRegister(m.RowsIn, m.RowsOut, m.Duration)
	}
	return m
}
