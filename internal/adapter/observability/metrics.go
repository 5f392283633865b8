package observability

import (
	"net/http"
	"strconv"
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

	ValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_validations_total",
			Help: "Total number of client key validations by outcome",
		},
		[]string{"outcome", "cache"},
	)
	ValidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apikey_validation_duration_seconds",
			Help:    "Client key validation duration in seconds",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
	)

	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Cache lookups by key family and result",
		},
		[]string{"family", "result"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_dispatches_total",
			Help: "Upstream dispatches by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_dispatch_duration_seconds",
			Help:    "Upstream dispatch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "router_failovers_total",
			Help: "Failovers to another account during dispatch",
		},
		[]string{"provider"},
	)

	UsageQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "usage_queue_buffer_size",
			Help: "Records currently buffered in the usage queue",
		},
	)
	UsageDLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "usage_dlq_size",
			Help: "Batches parked in the usage dead-letter queue",
		},
	)
	UsageBatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_batches_total",
			Help: "Usage batches flushed by outcome",
		},
		[]string{"outcome"},
	)
	UsageRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "usage_records_total",
			Help: "Usage records accepted by the queue",
		},
	)

	PoolVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_pool_version",
			Help: "Version of the pre-computed account pool",
		},
		[]string{"provider"},
	)
	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "account_pool_size",
			Help: "Healthy accounts in the pre-computed pool",
		},
		[]string{"provider"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Background job executions by outcome",
		},
		[]string{"job", "outcome"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Background job duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"job"},
	)

	CircuitBreakerStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"name"},
	)

	AlertsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "performance_alerts_total",
			Help: "Performance alerts fired by rule",
		},
		[]string{"rule"},
	)

	DetachedTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "detached_tasks_total",
			Help: "Supervised fire-and-forget tasks by name and outcome",
		},
		[]string{"task", "outcome"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(ValidationsTotal)
	prometheus.MustRegister(ValidationDuration)
	prometheus.MustRegister(CacheOpsTotal)
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(UsageQueueDepth)
	prometheus.MustRegister(UsageDLQDepth)
	prometheus.MustRegister(UsageBatchesTotal)
	prometheus.MustRegister(UsageRecordsTotal)
	prometheus.MustRegister(PoolVersion)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(JobRunsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(CircuitBreakerStates)
	prometheus.MustRegister(AlertsFiredTotal)
	prometheus.MustRegister(DetachedTasksTotal)
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
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordValidation tracks one validator outcome. Outcome is the wire code
// or "ok".
func RecordValidation(outcome string, cacheHit bool, dur time.Duration) {
	ValidationsTotal.WithLabelValues(outcome, strconv.FormatBool(cacheHit)).Inc()
	ValidationDuration.Observe(dur.Seconds())
}

// RecordCacheOp tracks a cache lookup against one key family.
func RecordCacheOp(family string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	CacheOpsTotal.WithLabelValues(family, result).Inc()
}

// RecordDispatch tracks one adapter call.
func RecordDispatch(provider, outcome string, dur time.Duration) {
	DispatchesTotal.WithLabelValues(provider, outcome).Inc()
	DispatchDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

// RecordFailover counts a mid-request switch to another account.
func RecordFailover(provider string) {
	FailoversTotal.WithLabelValues(provider).Inc()
}

// RecordBatchFlush tracks one usage-queue flush.
func RecordBatchFlush(success bool, records int) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	UsageBatchesTotal.WithLabelValues(outcome).Inc()
	if success {
		UsageRecordsTotal.Add(float64(records))
	}
}

// RecordPool publishes a refreshed pool's version and size.
func RecordPool(provider string, version int64, size int) {
	PoolVersion.WithLabelValues(provider).Set(float64(version))
	PoolSize.WithLabelValues(provider).Set(float64(size))
}

// RecordJobRun tracks a scheduler job execution.
func RecordJobRun(job string, err error, dur time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	JobRunsTotal.WithLabelValues(job, outcome).Inc()
	JobDuration.WithLabelValues(job).Observe(dur.Seconds())
}

// RecordCircuitBreakerStatus publishes a breaker's current state.
func RecordCircuitBreakerStatus(name string, state int) {
	CircuitBreakerStates.WithLabelValues(name).Set(float64(state))
}

// RecordAlert counts a fired monitor alert.
func RecordAlert(rule string) {
	AlertsFiredTotal.WithLabelValues(rule).Inc()
}

// RecordDetachedTask counts a supervised background task completion.
func RecordDetachedTask(task string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	DetachedTasksTotal.WithLabelValues(task, outcome).Inc()
}
