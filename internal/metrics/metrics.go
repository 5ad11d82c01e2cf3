// Package metrics provides Prometheus instrumentation for the promptcraft
// service. Collectors are package-level so every component can record without
// plumbing a registry; Init registers them once at startup.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts HTTP requests by route, method, and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcraft_requests_total",
			Help: "Total HTTP requests processed",
		},
		[]string{"route", "method", "status"},
	)

	// RequestDuration observes request latency in seconds by route and method.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "promptcraft_request_duration_seconds",
			Help:    "Request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40},
		},
		[]string{"route", "method"},
	)

	// InFlightRequests tracks requests currently being served.
	InFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptcraft_in_flight_requests",
			Help: "Number of in-flight requests currently being processed",
		},
	)

	// RateLimitHits counts client rate limit rejections by route prefix.
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcraft_rate_limit_hits_total",
			Help: "Total client rate limit rejections",
		},
		[]string{"route"},
	)

	// AuthFailures counts authentication failures by reason.
	AuthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcraft_auth_failures_total",
			Help: "Total authentication failures",
		},
		[]string{"reason"},
	)

	// ProviderAttempts counts provider calls by operation and outcome
	// (success, rate_limited, transient, fatal).
	ProviderAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcraft_provider_attempts_total",
			Help: "Total provider call attempts by outcome",
		},
		[]string{"operation", "outcome"},
	)

	// ProviderRetries counts retries scheduled after a failed attempt.
	ProviderRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcraft_provider_retries_total",
			Help: "Total provider retries after a failed attempt",
		},
		[]string{"operation"},
	)

	// ProviderExhausted counts operations rejected because no credential was available.
	ProviderExhausted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcraft_provider_exhausted_total",
			Help: "Total operations rejected with every credential blocked",
		},
		[]string{"operation"},
	)

	// CredentialBlocks counts credential quarantines by reason (rate_limited, errors).
	CredentialBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "promptcraft_credential_blocks_total",
			Help: "Total credential quarantines",
		},
		[]string{"reason"},
	)

	// CredentialsAvailable is the number of credentials eligible for selection
	// as of the last availability pass.
	CredentialsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptcraft_credentials_available",
			Help: "Credentials currently eligible for selection",
		},
	)

	// CredentialsTotal is the size of the credential pool.
	CredentialsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "promptcraft_credentials_total",
			Help: "Credentials configured in the pool",
		},
	)
)

// Collectors returns every collector owned by this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		RequestsTotal,
		RequestDuration,
		InFlightRequests,
		RateLimitHits,
		AuthFailures,
		ProviderAttempts,
		ProviderRetries,
		ProviderExhausted,
		CredentialBlocks,
		CredentialsAvailable,
		CredentialsTotal,
	}
}

// Init registers all collectors with the default Prometheus registry.
// Must be called once at startup before handling requests.
func Init() {
	prometheus.MustRegister(Collectors()...)
}

// Handler returns an http.Handler that serves the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
