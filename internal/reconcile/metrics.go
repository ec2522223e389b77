package reconcile

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	resultOK    = "ok"
	resultError = "error"
)

// Drop reasons.
const (
	dropConflict = "conflict"
	dropRejected = "rejected"
)

type metrics struct {
	attempts  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	pushed    prometheus.Counter
	dropped   *prometheus.CounterVec
	coalesced prometheus.Counter
	pending   prometheus.Gauge
}

// newMetrics registers the sync metrics on reg. A nil reg creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "questlog_sync_attempts_total",
			Help: "Sync attempts by operation and result",
		}, []string{"op", "result"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "questlog_sync_duration_seconds",
			Help:    "Duration of pull and push attempts",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15},
		}, []string{"op"}),
		pushed: f.NewCounter(prometheus.CounterOpts{
			Name: "questlog_sync_changes_pushed_total",
			Help: "Changes acknowledged by the remote backend",
		}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "questlog_sync_changes_dropped_total",
			Help: "Changes discarded without delivery, by reason",
		}, []string{"reason"}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "questlog_sync_push_coalesced_total",
			Help: "Push requests folded into a running drain",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "questlog_sync_pending_changes",
			Help: "Changes not yet acknowledged by the remote backend",
		}),
	}
}

func (m *metrics) observe(op string, start, end time.Time, err error) {
	result := resultOK
	if err != nil {
		result = resultError
	}
	m.attempts.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(end.Sub(start).Seconds())
}
