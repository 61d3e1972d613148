package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BuildsPopulatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_builds_populated_total",
			Help: "Total number of pending builds enqueued by configuration.",
		},
		[]string{"config"},
	)

	BuildsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_builds_dispatched_total",
			Help: "Total number of builds handed to a slave by configuration.",
		},
		[]string{"config"},
	)

	BuildDispatchContentionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_build_dispatch_contention_total",
			Help: "Total number of build claims lost to a concurrent request.",
		},
		[]string{"slave"},
	)

	BuildsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_builds_completed_total",
			Help: "Total number of finished builds by status.",
		},
		[]string{"config", "status"},
	)

	BuildDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bitten_build_duration_seconds",
			Help:    "Duration of finished builds in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"config", "status"},
	)

	BuildsResetTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_builds_reset_total",
			Help: "Total number of builds returned to pending by reason.",
		},
		[]string{"reason"},
	)

	StepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_steps_total",
			Help: "Total number of recorded build steps by status.",
		},
		[]string{"config", "status"},
	)

	SlavesRegistered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bitten_slaves_registered",
			Help: "Number of slaves registered for a target platform.",
		},
		[]string{"platform"},
	)

	SnapshotsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_snapshots_created_total",
			Help: "Total number of snapshot archive builds by outcome.",
		},
		[]string{"config", "outcome"},
	)

	ListenerEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bitten_listener_events_total",
			Help: "Total number of build events delivered to listeners by status.",
		},
		[]string{"event", "listener", "status"},
	)
)

// Register registers all custom Bitten metrics with the default Prometheus registry.
func Register() {
	prometheus.MustRegister(collectors()...)
}

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		BuildsPopulatedTotal,
		BuildsDispatchedTotal,
		BuildDispatchContentionTotal,
		BuildsCompletedTotal,
		BuildDurationSeconds,
		BuildsResetTotal,
		StepsTotal,
		SlavesRegistered,
		SnapshotsCreatedTotal,
		ListenerEventsTotal,
	}
}
