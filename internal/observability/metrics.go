package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases on cache misses.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight.
	HTTPRequestsInFlight prometheus.Gauge

	// Provider call rate per endpoint (current, forecast).
	WeatherAPICallsTotal *prometheus.CounterVec

	// Provider latency per endpoint. Watch for: p99 approaching the client timeout.
	WeatherAPIDuration *prometheus.HistogramVec

	// Provider failures by stable category (see client.CategorizeError).
	WeatherAPIErrorsTotal *prometheus.CounterVec

	// Circuit breaker transitions. Watch for: flapping between open and half_open.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// Download-log lookups by outcome (fresh, stale, error). stale = hour bucket miss.
	FreshnessChecksTotal *prometheus.CounterVec

	// Refresh outcomes (success, fetch_error, invalid_payload, persist_error).
	WeatherRefreshesTotal *prometheus.CounterVec

	// End-to-end refresh latency: both fetches plus the persistence transaction.
	WeatherRefreshDuration prometheus.Histogram

	// Snapshot inserts dropped by the (stadium_code, updated_at) constraint.
	SnapshotConflictsTotal *prometheus.CounterVec

	// Response cache hits/misses in front of the database read.
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Response cache errors by operation (get, set). Never fatal to a request.
	CacheErrorsTotal *prometheus.CounterVec

	// Response cache operation latency.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Refreshes that joined an in-flight refresh for the same partition and bucket.
	RequestCoalescingHitsTotal prometheus.Counter

	// Concurrent refreshes observed for one partition. Values > 1 mean duplicate upstream calls.
	RefreshConcurrency prometheus.Histogram

	// Total weather lookups.
	WeatherQueriesTotal prometheus.Counter

	// Per-stadium query count (allow-list; others go to "other").
	WeatherQueriesByStadiumTotal *prometheus.CounterVec

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Warming runs, failed runs and run duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	trackedStadiumsMu sync.RWMutex
	trackedStadiums   map[string]struct{}

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total number of weather provider calls",
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Weather provider latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	WeatherAPIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiErrorsTotal",
			Help: "Weather provider failures by category",
		},
		[]string{"endpoint", "category"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"component"},
	)
	FreshnessChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "freshnessChecksTotal",
			Help: "Download-log lookups for the current hour bucket by result",
		},
		[]string{"result"},
	)
	WeatherRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherRefreshesTotal",
			Help: "Weather cache refreshes by result",
		},
		[]string{"result"},
	)
	WeatherRefreshDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weatherRefreshDurationSeconds",
			Help:    "Refresh latency in seconds (fetch both + persist)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
	)
	SnapshotConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshotConflictsTotal",
			Help: "Snapshot inserts skipped because the bucket was already written",
		},
		[]string{"table"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of response cache hits",
		},
		[]string{"cacheType"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of response cache misses",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Response cache errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Response cache operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Refreshes served by joining an in-flight refresh",
		},
	)
	RefreshConcurrency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refreshConcurrency",
			Help:    "Concurrent refreshes in progress for the same partition",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		},
	)
	WeatherQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherQueriesTotal",
			Help: "Total number of weather lookups",
		},
	)
	WeatherQueriesByStadiumTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherQueriesByStadiumTotal",
			Help: "Weather queries by stadium code (allow-list; others use stadium=other)",
		},
		[]string{"stadium"},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs with at least one failed stadium",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Cache warming run duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIErrorsTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		FreshnessChecksTotal, WeatherRefreshesTotal, WeatherRefreshDuration, SnapshotConflictsTotal,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		RequestCoalescingHitsTotal, RefreshConcurrency,
		WeatherQueriesTotal, WeatherQueriesByStadiumTotal,
		RateLimitDeniedTotal,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
	)
}

// RegisterTrafficGauges registers sliding-window load and reject gauges.
// requests and denials are evaluated on scrape with the given window.
func RegisterTrafficGauges(window time.Duration, requests, denials func(time.Duration) int) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(requests(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(denials(window)) },
			),
		)
	})
}

// CircuitBreakerStateValue maps a breaker state name to the gauge value.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "half-open", "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}

// SetTrackedStadiums sets the allow-list for per-stadium metrics. Others increment "other".
func SetTrackedStadiums(codes []string) {
	trackedStadiumsMu.Lock()
	defer trackedStadiumsMu.Unlock()
	trackedStadiums = make(map[string]struct{}, len(codes))
	for _, c := range codes {
		trackedStadiums[normalizeStadiumForMetrics(c)] = struct{}{}
	}
}

// RecordWeatherQuery records a weather query for the given stadium code.
func RecordWeatherQuery(stadiumCode string) {
	WeatherQueriesTotal.Inc()
	code := normalizeStadiumForMetrics(stadiumCode)
	trackedStadiumsMu.RLock()
	_, ok := trackedStadiums[code] // nil map read is safe in Go
	trackedStadiumsMu.RUnlock()
	if ok {
		WeatherQueriesByStadiumTotal.WithLabelValues(code).Inc()
	} else {
		WeatherQueriesByStadiumTotal.WithLabelValues("other").Inc()
	}
}

func normalizeStadiumForMetrics(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
