package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	imported prometheus.Counter
	rejected prometheus.Counter
	syncs    *prometheus.CounterVec
	peers    prometheus.Gauge
	votes    *prometheus.CounterVec
	reports  prometheus.Counter
	requests *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		imported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openherd_posts_imported_total",
			Help: "Envelopes accepted through the inbox or a sync.",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openherd_posts_rejected_total",
			Help: "Envelopes that failed validation.",
		}),
		syncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openherd_syncs_total",
			Help: "Sync requests by result.",
		}, []string{"result"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "openherd_peers",
			Help: "Peers currently tracked.",
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openherd_karma_votes_total",
			Help: "Karma votes cast by direction.",
		}, []string{"direction"}),
		reports: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "openherd_moderation_reports_total",
			Help: "Moderation reports filed.",
		}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openherd_http_request_duration_seconds",
			Help:    "HTTP request latency by method and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	for _, c := range []prometheus.Collector{m.imported, m.rejected, m.syncs, m.peers, m.votes, m.reports, m.requests} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
