package connector

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts Connect outcomes per connector.
type Metrics struct {
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the switchboard collectors on reg. A nil reg leaves
// them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "switchboard",
			Name:      "connect_total",
			Help:      "Connect invocations by connector, outcome and downstream status.",
		}, []string{"connector", "outcome", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "switchboard",
			Name:      "connect_duration_seconds",
			Help:      "Connect latency including the outgoing call.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connector"}),
	}
}

func (m *Metrics) observe(ev Event) {
	if m == nil {
		return
	}
	status := ""
	if ev.StatusCode != 0 {
		status = strconv.Itoa(ev.StatusCode)
	}
	m.calls.WithLabelValues(ev.Connector, ev.Outcome, status).Inc()
	m.duration.WithLabelValues(ev.Connector).Observe(ev.Duration.Seconds())
}
