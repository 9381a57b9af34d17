// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/huggingface/datasets-server/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_enqueued_total",
		Help: "Total number of jobs enqueued, by step",
	}, []string{"step"})
	JobsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_started_total",
		Help: "Total number of jobs leased by a worker, by step",
	}, []string{"step"})
	JobsCommitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_committed_total",
		Help: "Total number of jobs committed to the cache, by step and outcome",
	}, []string{"step", "outcome"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries, by step",
	}, []string{"step"})
	JobsDeadLetter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_letter_total",
		Help: "Total number of jobs exceeding max retries, by step",
	}, []string{"step"})
	StepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "step_duration_seconds",
		Help:    "Histogram of step compute durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"step"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of waiting jobs, by step",
	}, []string{"step"})
	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache lookups, by step and hit/miss",
	}, []string{"step", "result"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "hub_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "hub_circuit_breaker_trips_total",
		Help: "Count of times the hub-call circuit breaker transitioned to Open",
	})
	ReaperRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reaper_recovered_total",
		Help: "Total number of zombie jobs recovered by the reaper, by step",
	}, []string{"step"})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	BackfillPlanned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backfill_jobs_planned_total",
		Help: "Total number of jobs enqueued by the backfill planner, by step",
	}, []string{"step"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued, JobsStarted, JobsCommitted, JobsRetried, JobsDeadLetter,
		StepDuration, QueueDepth, CacheHits, CircuitBreakerState, CircuitBreakerTrips,
		ReaperRecovered, WorkerActive, BackfillPlanned,
	)
}

// StartMetricsServer exposes only /metrics, without /healthz and /readyz.
// It binds the same observability port as StartHTTPServer, so a process
// starts one or the other.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
