// Package metrics provides Prometheus collectors and HTTP middleware for the
// gateway.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// LLMBuckets defines histogram buckets suited for inference latencies,
// ranging from 100ms to 5 minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts HTTP requests by route and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks relays currently writing to a client.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// StreamOutcomes counts finished relays by endpoint and final state.
	StreamOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_outcomes_total",
			Help: "Finished streaming relays by final state",
		},
		[]string{"endpoint", "state"},
	)

	// BackendRequestsTotal counts calls to the inference backend by operation
	// and outcome (ok or an error type).
	BackendRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_backend_requests_total",
			Help: "Backend requests",
		},
		[]string{"operation", "outcome"},
	)

	// BackendLatency records time until the backend answered (headers for
	// streams, full body otherwise).
	BackendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_backend_latency_seconds",
			Help:    "Backend latency",
			Buckets: LLMBuckets,
		},
		[]string{"operation"},
	)

	// TokensTotal counts tokens reported by the backend by direction.
	TokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Token count",
		},
		[]string{"model", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		StreamOutcomes,
		BackendRequestsTotal,
		BackendLatency,
		TokensTotal,
	)
}

// ObserveBackend records the outcome of one backend call.
func ObserveBackend(operation, outcome string, start time.Time) {
	BackendRequestsTotal.WithLabelValues(operation, outcome).Inc()
	BackendLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveTokens records prompt and completion token counts for a model.
func ObserveTokens(model string, prompt, completion int) {
	if prompt > 0 {
		TokensTotal.WithLabelValues(model, "input").Add(float64(prompt))
	}
	if completion > 0 {
		TokensTotal.WithLabelValues(model, "output").Add(float64(completion))
	}
}

// Middleware records request count and duration per matched route. The route
// label is the registered path template, so unmatched paths collapse into a
// single series.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				var sc interface{ Status() int }
				switch {
				case errors.As(err, &he):
					status = he.Code
				case errors.As(err, &sc):
					status = sc.Status()
				default:
					status = http.StatusInternalServerError
				}
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status/100)+"xx").Inc()
			RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
