package moderation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"conarchive/api/internal/store"
)

// Metrics counts moderation traffic. A nil *Metrics records nothing.
type Metrics struct {
	submissions   *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	pending       *prometheus.GaugeVec
	applyDuration prometheus.Histogram
}

// NewMetrics registers the moderation collectors with reg. A nil reg
// creates unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_submissions_total",
				Help: "submissions accepted into the moderation queue",
			},
			[]string{"entity", "kind"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_decisions_total",
				Help: "moderation decisions by outcome",
			},
			[]string{"entity", "decision", "outcome"},
		),
		pending: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "archive_pending_submissions",
				Help: "pending submissions seen by the last queue listing",
			},
			[]string{"entity"},
		),
		applyDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "archive_decide_duration_seconds",
				Help:    "time spent holding a subject lock while deciding",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) submitted(entity store.EntityType, kind store.Kind) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(entity), string(kind)).Inc()
}

func (m *Metrics) decided(entity store.EntityType, verdict Verdict, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(string(entity), string(verdict), outcome).Inc()
	m.applyDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) pendingCount(entity store.EntityType, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(string(entity)).Set(float64(n))
}
