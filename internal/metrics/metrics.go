// Package metrics provides Prometheus instrumentation for the scoring engine.
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
			Namespace: "kestrel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DecisionsTotal counts decisions by outcome.
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "decisions_total",
			Help:      "Total decisions recorded by outcome.",
		},
		[]string{"outcome"},
	)

	// ScoringDuration observes the end-to-end duration of one scoring run.
	ScoringDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kestrel",
			Name:      "scoring_duration_seconds",
			Help:      "Duration of a scoring run from validation to audit append.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// PipelineErrorsTotal counts failed scoring runs by error kind.
	PipelineErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "pipeline_errors_total",
			Help:      "Total failed scoring runs by error kind.",
		},
		[]string{"kind"},
	)

	// LedgerHeadSequence tracks the last appended audit sequence.
	LedgerHeadSequence = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "ledger_head_sequence",
			Help:      "Sequence number of the last appended audit entry.",
		},
	)

	// AlertsTotal counts escalation deliveries by result.
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "alerts_total",
			Help:      "Total escalation alerts by delivery result.",
		},
		[]string{"result"},
	)

	// PolicyReloadsTotal counts policy applications by result.
	PolicyReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kestrel",
			Name:      "policy_reloads_total",
			Help:      "Total policy applications by result.",
		},
		[]string{"result"},
	)

	// ActiveRules tracks the number of compiled rules in the live policy.
	ActiveRules = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kestrel",
			Name:      "active_rules",
			Help:      "Number of enabled rules in the live policy snapshot.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DecisionsTotal,
		ScoringDuration,
		PipelineErrorsTotal,
		LedgerHeadSequence,
		AlertsTotal,
		PolicyReloadsTotal,
		ActiveRules,
	)
}

// ObserveScoring records the duration of one scoring run.
func ObserveScoring(start time.Time) {
	ScoringDuration.Observe(time.Since(start).Seconds())
}

// Middleware records request metrics keyed by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// Route pattern, not raw path, to bound label cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes.
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
