package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	MessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_messages_consumed_total",
			Help: "Total number of queue messages consumed by outcome",
		},
		[]string{"result"},
	)
	MessageProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_message_process_duration_seconds",
			Help:    "End-to-end message processing duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	CasesExecutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_cases_executed_total",
			Help: "Total number of run cases executed by final status",
		},
		[]string{"status"},
	)
	CasesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchmark_cases_in_flight",
			Help: "Number of run cases currently executing",
		},
	)
	CaseDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "benchmark_case_duration_seconds",
			Help:    "Run case execution duration in seconds by phase",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	ScoresObserved = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchmark_score_distribution",
			Help:    "Distribution of evaluator scores (sentinels excluded)",
			Buckets: []float64{0, 0.5, 1},
		},
	)

	OTLPRecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchmark_otlp_records_ingested_total",
			Help: "OTLP records accepted by the embedded collector",
		},
		[]string{"signal"},
	)
	SidecarsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchmark_mock_sidecars_active",
			Help: "Active mock gateway leases",
		},
	)
	DLQMessagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchmark_dlq_messages_total",
			Help: "Messages dead-lettered after permanent failure",
		},
	)
)

// InitMetrics registers all worker metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(MessagesConsumedTotal)
	prometheus.MustRegister(MessageProcessDuration)
	prometheus.MustRegister(CasesExecutedTotal)
	prometheus.MustRegister(CasesInFlight)
	prometheus.MustRegister(CaseDuration)
	prometheus.MustRegister(ScoresObserved)
	prometheus.MustRegister(OTLPRecordsIngested)
	prometheus.MustRegister(SidecarsActive)
	prometheus.MustRegister(DLQMessagesTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// StartCase marks one case execution as in flight.
func StartCase() { CasesInFlight.Inc() }

// FinishCase records the terminal status and timing of a case execution.
func FinishCase(status string, total time.Duration) {
	CasesInFlight.Dec()
	CasesExecutedTotal.WithLabelValues(status).Inc()
	CaseDuration.WithLabelValues("total").Observe(total.Seconds())
}

// ObserveScore records a real evaluator score. Sentinel values are skipped
// so the distribution only reflects actual verdicts.
func ObserveScore(score float64) {
	if score >= 0 && score <= 1 {
		ScoresObserved.Observe(score)
	}
}
