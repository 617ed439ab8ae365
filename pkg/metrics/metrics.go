// Package metrics defines the Prometheus collectors the sync engine
// exposes: one run-oriented set (durations, record counts, conflicts) and
// one client-oriented set (rate-limiter waits, retries, token refreshes).
//
// Unlike the teacher's category-registry singleton, collectors here are
// owned by a *Metrics value constructed once by the host process and
// threaded through the Engine — per spec §9 "Ambient globals → explicit
// services", nothing in this package is a package-level singleton.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "basesync"

// Metrics bundles every collector the engine emits to. Register it with a
// prometheus.Registerer once at process startup.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RunDuration        *prometheus.HistogramVec
	RecordsSynced      *prometheus.CounterVec
	RecordsFailed      *prometheus.CounterVec
	ConflictsTotal      *prometheus.CounterVec
	RateLimiterWaitSecs prometheus.Histogram
	RetryAttemptsTotal *prometheus.CounterVec
	TokenRefreshTotal  *prometheus.CounterVec
	SchedulerTicks     prometheus.Counter
	SkippedRuns        *prometheus.CounterVec
}

// New constructs all collectors, unregistered. Call Register to attach
// them to a prometheus.Registerer.
func New() *Metrics {
	return &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total pipeline runs by direction and final status.",
		}, []string{"direction", "status", "triggered_by"}),

		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a full pipeline run.",
			Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 180, 600, 900},
		}, []string{"direction"}),

		RecordsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_synced_total",
			Help:      "Records added or updated across all runs.",
		}, []string{"direction"}),

		RecordsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_failed_total",
			Help:      "Records that failed to sync, by error kind.",
		}, []string{"kind"}),

		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_total",
			Help:      "Conflicts detected by kind and resolution action.",
		}, []string{"kind", "action"}),

		RateLimiterWaitSecs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limiter_wait_seconds",
			Help:      "Time spent waiting on the SOR token-bucket limiter.",
			Buckets:   prometheus.DefBuckets,
		}),

		RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry attempts made by operation and outcome.",
		}, []string{"operation", "outcome"}),

		TokenRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by provider and outcome.",
		}, []string{"provider", "outcome"}),

		SchedulerTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Number of scheduler dispatch cycles executed.",
		}),

		SkippedRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_runs_total",
			Help:      "Runs skipped by reason (plan_paused, single_flight, lock_held).",
		}, []string{"reason"}),
	}
}

// Register attaches every collector to reg. Safe to call once per process.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.RunsTotal, m.RunDuration, m.RecordsSynced, m.RecordsFailed,
		m.ConflictsTotal, m.RateLimiterWaitSecs, m.RetryAttemptsTotal,
		m.TokenRefreshTotal, m.SchedulerTicks, m.SkippedRuns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
