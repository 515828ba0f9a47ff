package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "match_attempts_total", Help: "Match attempts by outcome reason"},
		[]string{"reason"},
	)
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridepool", Name: "match_latency_seconds", Help: "AttemptMatch latency distribution",
	})
	ProviderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "provider_errors_total", Help: "Geo/route provider failures by call"},
		[]string{"call"},
	)
	CapacityConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ridepool", Name: "capacity_conflicts_total", Help: "Seat reservations lost to a concurrent commit",
	})
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "ridepool", Name: "sweep_duration_seconds", Help: "Background sweep duration", Buckets: prometheus.DefBuckets},
		[]string{"sweep"},
	)
	SweepRecordErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "sweep_record_errors_total", Help: "Per-record failures inside a sweep"},
		[]string{"sweep"},
	)
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ridepool", Name: "notifications_total", Help: "Notifications emitted by kind"},
		[]string{"kind"},
	)
)
