package server

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/go-chi/chi/v5"
)

var (
	metricsOnce     sync.Once
	requestCounter  otelmetric.Int64Counter
	requestDuration otelmetric.Float64Histogram
	metricsInitErr  error
)

func initHTTPMetrics() {
	meter := otel.Meter("prsnl/server")
	var err error
	requestCounter, err = meter.Int64Counter("http_requests_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	requestDuration, err = meter.Float64Histogram("http_request_duration_seconds")
	if err != nil {
		metricsInitErr = err
	}
}

// Metrics records a counter and a latency histogram per route. Attributes
// use the chi route pattern, not the raw path, to keep cardinality bounded.
func Metrics(next http.Handler) http.Handler {
	metricsOnce.Do(initHTTPMetrics)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if metricsInitErr != nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unmatched"
		}
		attrs := otelmetric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", pattern),
			attribute.String("status", strconv.Itoa(ww.Status())),
		)
		requestCounter.Add(r.Context(), 1, attrs)
		requestDuration.Record(r.Context(), time.Since(start).Seconds(), attrs)
	})
}
