// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package metrics provides Prometheus instrumentation for the
// discovery engine: poll outcomes, reconciliation results, queue
// depths, rate-limit waits, circuit-breaker state and search-gate
// decisions. Exposed on /metrics by the ops HTTP server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll metrics

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shiori_poll_duration_seconds",
			Help:    "Duration of one (series, source) polling pass",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"source"},
	)

	PollResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_poll_results_total",
			Help: "Poll outcomes by source and result class",
		},
		[]string{"source", "result"},
	)

	PollReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_poll_chapter_reports_total",
			Help: "Chapter reports returned by source fetches",
		},
		[]string{"source"},
	)

	SourcesDisabled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_sources_disabled_total",
			Help: "Series sources auto-disabled after repeated hard failures",
		},
		[]string{"source", "reason"},
	)

	// Reconciliation metrics

	ReconcileResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_reconcile_results_total",
			Help: "Reconciliation outcomes: chapter_created, source_added, unchanged, dead_lettered",
		},
		[]string{"result"},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shiori_reconcile_duration_seconds",
			Help:    "Duration of one chapter report reconciliation",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Scheduler metrics

	SchedulerTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_scheduler_ticks_total",
			Help: "Scheduler ticks by outcome: run, skipped_lock, skipped_backpressure",
		},
		[]string{"outcome"},
	)

	SchedulerEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shiori_scheduler_poll_jobs_enqueued_total",
			Help: "Poll jobs enqueued by the scheduler",
		},
	)

	// Queue metrics

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shiori_queue_depth",
			Help: "Queue depth by queue and state (waiting, active, failed)",
		},
		[]string{"queue", "state"},
	)

	JobsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_jobs_published_total",
			Help: "Jobs published by topic",
		},
		[]string{"topic"},
	)

	JobsDeadLettered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_jobs_dead_lettered_total",
			Help: "Jobs routed to the poison queue by topic",
		},
		[]string{"topic"},
	)

	// Rate limiter metrics

	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shiori_ratelimit_wait_seconds",
			Help:    "Time spent waiting for a rate-limit token",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 15, 30, 60},
		},
		[]string{"source"},
	)

	RateLimitTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_ratelimit_timeouts_total",
			Help: "Rate-limit acquisitions that hit the wait deadline",
		},
		[]string{"source"},
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shiori_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"source"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"source", "from", "to"},
	)

	// Search gate metrics

	SearchDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_search_gate_decisions_total",
			Help: "Search intent gate decisions: enqueued, cooldown, below_heat, in_flight, backpressure",
		},
		[]string{"decision"},
	)

	DiscoveryCrawls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_discovery_crawls_total",
			Help: "Discovery crawl outcomes: resolved, deferred",
		},
		[]string{"outcome"},
	)

	DiscoveryRegistered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_discovery_registered_total",
			Help: "Series and series-source rows registered by discovery crawls",
		},
		[]string{"kind"},
	)

	// Ops HTTP surface metrics

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_http_requests_total",
			Help: "Ops API requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shiori_http_request_duration_seconds",
			Help:    "Ops API request latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "route"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shiori_http_requests_active",
			Help: "Ops API requests currently in flight",
		},
	)

	// Tier classifier metrics

	TierTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shiori_tier_transitions_total",
			Help: "Series tier transitions during maintenance passes",
		},
		[]string{"from", "to"},
	)

	TierSeries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shiori_tier_series",
			Help: "Number of series per catalog tier",
		},
		[]string{"tier"},
	)
)

// ObservePoll records the duration and outcome of one polling pass.
func ObservePoll(source, result string, start time.Time) {
	PollDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	PollResults.WithLabelValues(source, result).Inc()
}

// SetQueueDepth updates the depth gauges for one queue.
func SetQueueDepth(queue string, waiting, active, failed int64) {
	QueueDepth.WithLabelValues(queue, "waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues(queue, "active").Set(float64(active))
	QueueDepth.WithLabelValues(queue, "failed").Set(float64(failed))
}
