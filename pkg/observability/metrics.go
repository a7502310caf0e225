package observability

import (
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megbot_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "megbot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Completion gateway metrics
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megbot_gateway_calls_total",
			Help: "Total number of completion calls by model and outcome",
		},
		[]string{"model", "provider", "outcome"},
	)

	gatewayCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "megbot_gateway_call_duration_seconds",
			Help:    "Completion call duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
		[]string{"model"},
	)

	gatewayTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megbot_gateway_tokens_total",
			Help: "Tokens reported by completion providers",
		},
		[]string{"model", "kind"},
	)

	// Credential vault metrics
	cryptoFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megbot_crypto_failures_total",
			Help: "Credential encrypt/decrypt failures",
		},
		[]string{"op"},
	)

	// Session metrics
	sessionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "megbot_session_operations_total",
			Help: "Session store operations by kind and status",
		},
		[]string{"op", "status"},
	)

	sessionsSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "megbot_sessions_swept_total",
			Help: "Expired sessions removed by the sweeper",
		},
	)

	// System metrics
	memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "megbot_memory_usage_bytes",
			Help: "Memory usage in bytes",
		},
	)

	goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "megbot_goroutines",
			Help: "Number of goroutines",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the collectors with the default registry. Safe to
// call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			gatewayCallsTotal,
			gatewayCallDuration,
			gatewayTokensTotal,
			cryptoFailuresTotal,
			sessionOpsTotal,
			sessionsSweptTotal,
			memoryUsage,
			goroutines,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records HTTP request metrics
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordGatewayCall records one completion call. outcome is "success" or an
// error code.
func RecordGatewayCall(model, provider, outcome string, duration time.Duration) {
	gatewayCallsTotal.WithLabelValues(model, provider, outcome).Inc()
	gatewayCallDuration.WithLabelValues(model).Observe(duration.Seconds())
}

// RecordTokens records prompt and completion token counts.
func RecordTokens(model string, prompt, completion int) {
	if prompt > 0 {
		gatewayTokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		gatewayTokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
	}
}

// RecordCryptoFailure counts a failed vault operation ("encrypt" or "decrypt").
func RecordCryptoFailure(op string) {
	cryptoFailuresTotal.WithLabelValues(op).Inc()
}

// RecordSessionOp records a session load or save.
func RecordSessionOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	sessionOpsTotal.WithLabelValues(op, status).Inc()
}

// RecordSessionsSwept adds to the swept sessions counter.
func RecordSessionsSwept(n int) {
	if n > 0 {
		sessionsSweptTotal.Add(float64(n))
	}
}

// UpdateSystemMetrics refreshes the memory and goroutine gauges.
func UpdateSystemMetrics() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	memoryUsage.Set(float64(m.Alloc))
	goroutines.Set(float64(runtime.NumGoroutine()))
}
