package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_requests_total",
			Help: "Total number of gateway requests by outcome",
		},
		[]string{"tier", "provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tiergate_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"tier", "provider", "model"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_quota_rejections_total",
			Help: "Requests rejected by quota, credit or rate policy",
		},
		[]string{"tier", "reason"},
	)

	CreditsSpent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_credits_spent_total",
			Help: "Credits deducted after free quota exhaustion",
		},
		[]string{"tier"},
	)

	TokenMints = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_token_mints_total",
			Help: "Service-account access token mints by result",
		},
		[]string{"result"},
	)

	StreamIdleTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_stream_idle_timeouts_total",
			Help: "Upstream streams terminated by the idle watchdog",
		},
		[]string{"provider"},
	)

	WebSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_web_searches_total",
			Help: "Intercepted web-search round trips by result",
		},
		[]string{"result"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiergate_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tiergate_provider_errors_total",
			Help: "Total number of provider errors",
		},
		[]string{"provider", "error_type"},
	)

	ActiveStreams = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tiergate_active_streams",
			Help: "Number of active streaming connections",
		},
		[]string{"provider"},
	)
)

func RecordRequest(tier, provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(tier, provider, model, status).Inc()
	RequestDuration.WithLabelValues(tier, provider, model).Observe(durationSec)
}

func RecordQuotaRejection(tier, reason string) {
	QuotaRejections.WithLabelValues(tier, reason).Inc()
}

func RecordCreditSpent(tier string) {
	CreditsSpent.WithLabelValues(tier).Inc()
}

func RecordTokenMint(result string) {
	TokenMints.WithLabelValues(result).Inc()
}

func RecordStreamIdleTimeout(provider string) {
	StreamIdleTimeouts.WithLabelValues(provider).Inc()
}

func RecordWebSearch(result string) {
	WebSearches.WithLabelValues(result).Inc()
}

func RecordProviderError(provider, errorType string) {
	ProviderErrors.WithLabelValues(provider, errorType).Inc()
}

func SetCircuitBreakerState(provider string, state int) {
	CircuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

func IncrementActiveStreams(provider string) {
	ActiveStreams.WithLabelValues(provider).Inc()
}

func DecrementActiveStreams(provider string) {
	ActiveStreams.WithLabelValues(provider).Dec()
}
