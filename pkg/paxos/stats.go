package paxos

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	opPrepare = "cas_prepare"
	opAccept  = "cas_propose"
	opLearn   = "cas_commit"
)

// Stats - per-phase latency of the protocol. Every phase feeds a histogram
// for long-term aggregation and a sliding-window summary whose quantiles
// serve as the current latency estimate.
type Stats struct {
	latency   *prometheus.HistogramVec
	estimated *prometheus.SummaryVec
}

// NewStats registers the collectors with reg; a nil reg leaves them
// unregistered, which tests use to avoid duplicate registration.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paxoskv",
			Subsystem: "paxos",
			Name:      "phase_latency_seconds",
			Help:      "Latency of the prepare, propose and commit phases.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		estimated: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Namespace:  "paxoskv",
			Subsystem:  "paxos",
			Name:       "estimated_phase_latency_seconds",
			Help:       "Sliding-window estimate of phase latency.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     time.Minute,
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(s.latency, s.estimated)
	}
	return s
}

func (s *Stats) observe(op string, start time.Time) {
	if s == nil {
		return
	}
	d := time.Since(start).Seconds()
	s.latency.WithLabelValues(op).Observe(d)
	s.estimated.WithLabelValues(op).Observe(d)
}
