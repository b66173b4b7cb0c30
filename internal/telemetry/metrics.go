package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_jobs_submitted_total", Help: "Generation jobs accepted by the API"})
	JobsCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_jobs_completed_total", Help: "Jobs that reached terminal success"})
	JobsFailed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_jobs_failed_total", Help: "Jobs that reached terminal failure"})
	JobsFallback       = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_jobs_fallback_total", Help: "Jobs retried on the fallback provider"})
	InsufficientCredit = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_jobs_insufficient_credit_total", Help: "Jobs rejected for insufficient credits"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	CreditsDeducted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "genstudio_credits_deducted_total", Help: "Total credits charged for accepted jobs"})

	QueueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genstudio_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "genstudio_jobs_inflight", Help: "Jobs currently being orchestrated"})

	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genstudio_provider_requests_total", Help: "Provider calls by outcome",
	}, []string{"provider", "outcome"})
	ProviderLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "genstudio_provider_request_duration_seconds",
		Help:    "Provider submit/poll latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsFallback,
			InsufficientCredit,
			RateLimitRejects,
			CreditsDeducted,
			QueueDepthGauge,
			InFlightGauge,
			ProviderRequests,
			ProviderLatency,
		)
	})
	return promhttp.Handler()
}
