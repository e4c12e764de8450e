package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_units_enqueued_total", Help: "Publish work units enqueued, by dispatch mode"}, []string{"mode"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	WorkerSuccess    = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_completed_total", Help: "Publish jobs completed"})
	WorkerFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_retried_total", Help: "Publish jobs that failed and will retry"})
	WorkerDeadLetter = prometheus.NewCounter(prometheus.CounterOpts{Name: "publish_jobs_dead_letter_total", Help: "Publish jobs that exhausted retries"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "publish_inflight", Help: "Publish jobs currently leased by this process"})
	TargetOutcomes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "publish_target_outcomes_total", Help: "Per-target publish outcomes"}, []string{"platform", "outcome"})
	OAuthCallbacks   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "oauth_callbacks_total", Help: "Authorization callbacks by outcome"}, []string{"platform", "outcome"})
	TokenRefreshes   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "oauth_token_refreshes_total", Help: "Credential refresh attempts by outcome"}, []string{"platform", "outcome"})
	RevokeFailures   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "oauth_revoke_failures_total", Help: "Revocations that failed during disconnect"}, []string{"platform"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			WorkerSuccess,
			WorkerFailures,
			WorkerDeadLetter,
			QueueDepthGauge,
			InFlightGauge,
			TargetOutcomes,
			OAuthCallbacks,
			TokenRefreshes,
			RevokeFailures,
		)
	})
	return promhttp.Handler()
}
