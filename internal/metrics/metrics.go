// Package metrics registers the service's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestTotal counts ingest attempts by terminal result
	// (created, duplicate, invalid, rate_limited, error).
	IngestTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsestream",
		Subsystem: "ingest",
		Name:      "events_total",
		Help:      "Ingest attempts by result",
	}, []string{"result"})

	// IngestDuration observes end-to-end single-event ingest latency.
	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulsestream",
		Subsystem: "ingest",
		Name:      "duration_seconds",
		Help:      "Single event ingest latency",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// RateLimitedTotal counts requests rejected by the per-tenant limiter.
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsestream",
		Subsystem: "ingest",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter",
	})

	// DegradedAdmissionsTotal counts fail-open admissions made while the
	// rate limiter cache was unreachable.
	DegradedAdmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsestream",
		Subsystem: "ingest",
		Name:      "degraded_admissions_total",
		Help:      "Fail-open admissions during cache outages",
	})

	// BatchSize observes accepted batch sizes.
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pulsestream",
		Subsystem: "ingest",
		Name:      "batch_size",
		Help:      "Events per accepted batch request",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
	})

	// EnqueueFailuresTotal counts committed events whose queue handoff
	// failed and was left to the sweeper.
	EnqueueFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pulsestream",
		Subsystem: "ingest",
		Name:      "enqueue_failures_total",
		Help:      "Post-commit queue handoff failures",
	})

	// QueryDuration observes search and stats latency by operation.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pulsestream",
		Subsystem: "query",
		Name:      "duration_seconds",
		Help:      "Read path latency by operation",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation"})

	// HTTPRequestsTotal counts requests by route and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pulsestream",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"route", "status"})
)
