// Package metrics defines the Prometheus metrics emitted by the router: the
// client-facing proxy surface, the per-backend upstream surface, and the
// route refresher's reconciliation outcomes.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// proxyResponsesTotal counts client-facing responses by method, status, and outcome.
	proxyResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_proxy_responses_total",
			Help: "Total client-facing proxy responses by method, status and outcome",
		},
		[]string{"method", "status", "outcome"},
	)
	// proxyResponseDuration captures end-to-end proxy latency (client-facing), in seconds.
	proxyResponseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_proxy_response_duration_seconds",
			Help:    "End-to-end proxy request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)
	// backendResponsesTotal counts responses observed from a specific backend authority.
	backendResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_backend_responses_total",
			Help: "Total responses observed from a backend, labeled by backend authority, method and status",
		},
		[]string{"backend", "method", "status"},
	)
	// backendResponseDuration measures backend request duration from the router's perspective.
	backendResponseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "router_backend_response_duration_seconds",
			Help:    "Backend request duration observed by the router, by backend authority and method",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "method"},
	)
	// backendInflight tracks in-flight requests per backend authority.
	backendInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "router_backend_inflight",
			Help: "Number of in-flight requests per backend authority",
		},
		[]string{"backend"},
	)
	// routeCacheAuthorities reports the number of authorities currently routable.
	routeCacheAuthorities = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_route_cache_authorities",
			Help: "Number of authorities currently present in the route cache",
		},
	)
	// lastRefreshTimestamp mirrors the refresher's LastRefreshTimestamp (0 = never).
	lastRefreshTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "router_last_refresh_timestamp_seconds",
			Help: "Unix seconds of the last successful route refresh (0 if never refreshed)",
		},
	)
	// refreshOutcomesTotal counts refresher iterations by state and outcome.
	refreshOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_route_refresh_outcomes_total",
			Help: "Total route refresh iterations by state (bootstrapping/steady) and outcome (success/error)",
		},
		[]string{"state", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		proxyResponsesTotal,
		proxyResponseDuration,
		backendResponsesTotal,
		backendResponseDuration,
		backendInflight,
		routeCacheAuthorities,
		lastRefreshTimestamp,
		refreshOutcomesTotal,
	)
}

func normOutcome(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// ObserveProxyResponse records a client-facing response (outcome is "ok",
// "error", "no_route", "backend_start_failed" or "backend_io_error").
func ObserveProxyResponse(method string, status int, outcome string, dur time.Duration) {
	o := normOutcome(outcome)
	proxyResponsesTotal.WithLabelValues(method, strconv.Itoa(status), o).Inc()
	proxyResponseDuration.WithLabelValues(method, o).Observe(dur.Seconds())
}

// ObserveBackendResponse records a response observed from a specific backend authority.
func ObserveBackendResponse(backend, method string, status int, dur time.Duration) {
	backendResponsesTotal.WithLabelValues(backend, method, strconv.Itoa(status)).Inc()
	backendResponseDuration.WithLabelValues(backend, method).Observe(dur.Seconds())
}

// IncBackendInflight increments the in-flight gauge for a backend authority.
func IncBackendInflight(backend string) { backendInflight.WithLabelValues(backend).Inc() }

// DecBackendInflight decrements the in-flight gauge for a backend authority.
func DecBackendInflight(backend string) { backendInflight.WithLabelValues(backend).Dec() }

// SetRouteCacheAuthorities reports the current authority count in the route cache.
func SetRouteCacheAuthorities(n int) { routeCacheAuthorities.Set(float64(n)) }

// SetLastRefreshTimestamp reports the refresher's current LastRefreshTimestamp (0 = never).
func SetLastRefreshTimestamp(unixSeconds int64) { lastRefreshTimestamp.Set(float64(unixSeconds)) }

// ObserveRefreshOutcome records one refresher iteration outcome.
func ObserveRefreshOutcome(state, outcome string) {
	refreshOutcomesTotal.WithLabelValues(state, normOutcome(outcome)).Inc()
}
