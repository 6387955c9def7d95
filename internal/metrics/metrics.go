// Package metrics declares the prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "instagram"

var (
	// HTTPRequests counts handled requests by route template and status.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code",
	}, []string{"method", "route", "status"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// AuthCallbacks counts auth route outcomes: ok, denied, invalid_state, invalid_blog, missing_code, failed, error.
	AuthCallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_callbacks_total",
		Help:      "OAuth callbacks by outcome",
	}, []string{"result"})

	TokenRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_refresh_total",
		Help:      "Token refresh attempts by result (refreshed, skipped, error)",
	}, []string{"result"})

	TokenDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "token_deletes_total",
		Help:      "Sites whose Instagram data was deleted",
	})

	DeauthRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deauth_requests_total",
		Help:      "Deauthorization callbacks by result",
	}, []string{"result"})

	RelayDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_dispatch_total",
		Help:      "Fire-and-forget relay requests by method and result",
	}, []string{"method", "result"})

	RelayInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "relay_inflight",
		Help:      "Relay requests currently in flight",
	})

	RegistryMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registry_mutations_total",
		Help:      "Site registry mutations applied on the relay by operation",
	}, []string{"op"})

	RateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the per-client rate limiter",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequests, HTTPDuration,
		AuthCallbacks,
		TokenRefreshes, TokenDeletes,
		DeauthRequests,
		RelayDispatches, RelayInflight,
		RegistryMutations,
		RateLimited,
	)
}
