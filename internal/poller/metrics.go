package poller

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cycle results used as label values.
const (
	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics holds Prometheus metrics describing the poll loop itself.
type Metrics struct {
	CyclesTotal   *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	ErrorsTotal   *prometheus.CounterVec
	LastSuccess   prometheus.Gauge
}

// NewMetrics creates the poller metrics and registers them on reg when it is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpumon_poller_cycles_total",
			Help: "Total number of poll cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpumon_poller_cycle_duration_seconds",
			Help:    "Duration of poll cycles in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gpumon_poller_errors_total",
			Help: "Total number of failed poll cycles by error kind.",
		}, []string{"kind"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gpumon_poller_last_success_timestamp_seconds",
			Help: "Unix time of the last successful poll cycle.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.CyclesTotal, m.CycleDuration, m.ErrorsTotal, m.LastSuccess)
	}
	return m
}
