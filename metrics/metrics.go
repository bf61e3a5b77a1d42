// Package metrics holds the process-wide Prometheus collectors. They are
// registered on the default registry and served by the api's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Engine
	ActivitiesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_activities_total",
			Help: "Activities passed to RecordActivity by type and outcome",
		},
		[]string{"type", "outcome"}, // recorded, duplicate, ignored, failed
	)

	RecordActivityDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewards_record_activity_duration_seconds",
			Help:    "End-to-end duration of RecordActivity",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Dispatcher
	AwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_awards_total",
			Help: "Award dispatches by ledger reason and outcome",
		},
		[]string{"reason", "outcome"}, // ok, duplicate, failed
	)

	AchievementsUnlocked = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_achievements_unlocked_total",
			Help: "Achievement unlocks by achievement id",
		},
		[]string{"achievement"},
	)

	ReferralTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_referral_transitions_total",
			Help: "Referral links entering each status",
		},
		[]string{"to"},
	)

	RedriveRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewards_referral_redrive_runs_total",
			Help: "Scheduled and manual referral redrive runs",
		},
		[]string{"result"}, // ok, error
	)

	// Store
	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewards_store_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// HTTP
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rewards_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern and status",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
