package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecomputationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courier_matching", Name: "recomputations_total", Help: "Match recomputation passes by subject kind"},
		[]string{"subject"},
	)
	MatchesGenerated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_matching", Name: "matches_generated_total", Help: "Match rows written by recomputation"})
	RecomputeLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "courier_matching", Name: "recompute_latency_seconds", Help: "Recomputation pass latency"})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courier_matching", Name: "notifications_sent_total", Help: "Successful pushes by kind"},
		[]string{"kind"},
	)
	NotificationsFailed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_matching", Name: "notifications_failed_total", Help: "Pushes that failed after retry"})

	EscalationWavesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courier_matching", Name: "escalation_waves_fired_total", Help: "Escalation waves executed by stage"},
		[]string{"stage"},
	)
	EscalationsCancelled = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_matching", Name: "escalations_cancelled_total", Help: "Pending escalations cancelled"})

	SessionPushes          = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_matching", Name: "session_location_pushes_total", Help: "Accepted live-session location updates"})
	SessionsActive         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "courier_matching", Name: "sessions_active", Help: "Live trip sessions currently active"})
	CarrierLocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "courier_matching", Name: "carrier_location_updates_total", Help: "Carrier location ingests recorded"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "courier_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "courier_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
