package gateway

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type gatewayMetrics struct {
	requests  *prometheus.CounterVec
	durations *prometheus.HistogramVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *gatewayMetrics
)

func metricsRegistry() *gatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &gatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrowd",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total HTTP requests processed by the gateway.",
			}, []string{"route", "method", "status"}),
			durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrowd",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Duration of gateway HTTP requests in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
		}
		prometheus.MustRegister(gatewayRegistry.requests, gatewayRegistry.durations)
	})
	return gatewayRegistry
}

// observe wraps a route with request metrics and a trace span.
func observe(route string, next http.HandlerFunc) http.HandlerFunc {
	metrics := metricsRegistry()
	tracer := otel.Tracer("escrowd-gateway")
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := tracer.Start(r.Context(), route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
		))
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		span.End()
		metrics.requests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		metrics.durations.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	}
}

// RateLimiter throttles mutating calls per API key.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter builds a limiter allowing rps requests per second with the
// given burst per API key.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

// Allow reports whether the key may proceed with one more request.
func (l *RateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}
