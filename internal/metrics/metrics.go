// Package metrics provides Prometheus instrumentation for fundguard.
package metrics

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fundguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Scores observes final blended risk scores.
	Scores = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fundguard",
		Name:      "risk_score",
		Help:      "Distribution of final campaign risk scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// ScoringDuration observes the latency of a single scoring call.
	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fundguard",
		Name:      "scoring_duration_seconds",
		Help:      "Time to score one campaign in seconds.",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1},
	})

	// RuleHitsTotal counts rule hits by rule name.
	RuleHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundguard",
			Name:      "rule_hits_total",
			Help:      "Total rule hits by rule.",
		},
		[]string{"rule"},
	)

	// RuleErrorsTotal counts rules that failed to evaluate.
	RuleErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundguard",
			Name:      "rule_errors_total",
			Help:      "Total rule evaluation errors by rule.",
		},
		[]string{"rule"},
	)

	// FlaggedTotal counts results at or above the flag threshold.
	FlaggedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fundguard",
		Name:      "flagged_total",
		Help:      "Total campaigns flagged by scoring.",
	})

	// ModelLoaded is 1 while an anomaly model is installed.
	ModelLoaded = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fundguard",
		Name:      "model_loaded",
		Help:      "Whether an anomaly model is loaded (1) or not (0).",
	})

	// ModelReloads counts model load attempts by result.
	ModelReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundguard",
			Name:      "model_reloads_total",
			Help:      "Total model load attempts by result.",
		},
		[]string{"result"},
	)

	// SweepRecordsTotal counts batch re-score records by result.
	SweepRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundguard",
			Name:      "sweep_records_total",
			Help:      "Total campaigns processed by the re-score sweep by result.",
		},
		[]string{"result"},
	)

	// WorkerMessagesTotal counts bus messages handled by topic and result.
	WorkerMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fundguard",
			Name:      "worker_messages_total",
			Help:      "Total bus messages processed by the async worker.",
		},
		[]string{"topic", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		Scores,
		ScoringDuration,
		RuleHitsTotal,
		RuleErrorsTotal,
		FlaggedTotal,
		ModelLoaded,
		ModelReloads,
		SweepRecordsTotal,
		WorkerMessagesTotal,
	)
}

// Middleware records request metrics. It labels by chi route pattern, not
// the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
