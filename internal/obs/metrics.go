// Copyright 2025 James Ross
package obs

import (
    "fmt"
    "net/http"

    "github.com/corsair-labs/marketplace-orchestrator/internal/config"
    "github.com/prometheus/client_golang/prometheus"
    promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "jobs_submitted_total",
        Help: "Total number of jobs submitted",
    }, []string{"marketplace", "action"})
    JobsClaimed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "jobs_claimed_total",
        Help: "Total number of jobs claimed by a worker",
    }, []string{"marketplace"})
    JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "jobs_completed_total",
        Help: "Total number of successfully completed jobs",
    }, []string{"marketplace", "action"})
    JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "jobs_failed_total",
        Help: "Total number of terminally failed jobs",
    }, []string{"marketplace", "action"})
    JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "jobs_retried_total",
        Help: "Total number of job retry transitions",
    }, []string{"marketplace", "action"})
    JobsExpired = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "jobs_expired_total",
        Help: "Total number of jobs swept to expired by the janitor",
    }, []string{"marketplace"})
    JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
        Name:    "job_processing_duration_seconds",
        Help:    "Histogram of job processing durations",
        Buckets: prometheus.DefBuckets,
    }, []string{"marketplace", "action"})
    ReadyQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "ready_queue_depth",
        Help: "Current depth of the per-(tenant,marketplace) ready queue",
    }, []string{"tenant", "marketplace"})
    RateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "rate_limit_rejections_total",
        Help: "Total number of claims deferred by the per-tenant/marketplace rate cap",
    }, []string{"tenant", "marketplace"})
    BridgeRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "bridge_requests_total",
        Help: "Total number of plugin bridge requests by outcome",
    }, []string{"outcome"})
    BridgeQueueSaturated = prometheus.NewCounter(prometheus.CounterOpts{
        Name: "bridge_queue_saturated_total",
        Help: "Total number of plugin bridge requests rejected for a full per-tenant queue",
    })
    WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Name: "worker_active",
        Help: "Number of active worker goroutines",
    })
    CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Name: "circuit_breaker_state",
        Help: "Per-marketplace circuit breaker state: 0=closed 1=half-open 2=open",
    }, []string{"marketplace"})
    CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
        Name: "circuit_breaker_trips_total",
        Help: "Total number of times a marketplace's circuit breaker opened",
    }, []string{"marketplace"})
)

func init() {
    prometheus.MustRegister(JobsSubmitted, JobsClaimed, JobsCompleted, JobsFailed, JobsRetried, JobsExpired,
        JobProcessingDuration, ReadyQueueDepth, RateLimitRejections, BridgeRequests, BridgeQueueSaturated, WorkerActive,
        CircuitBreakerState, CircuitBreakerTrips)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
func StartMetricsServer(cfg *config.Config) *http.Server {
    mux := http.NewServeMux()
    mux.Handle("/metrics", promhttp.Handler())
    srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
    go func() { _ = srv.ListenAndServe() }()
    return srv
}
