package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/promptcraft/internal/metrics"
)

// Metrics records request count, latency, and in-flight gauge. The route
// label is the matched chi pattern so path parameters do not explode label
// cardinality; unmatched requests are labelled "unmatched".
func Metrics() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			metrics.InFlightRequests.Inc()
			defer metrics.InFlightRequests.Dec()

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			metrics.RequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(rec.statusCode)).Inc()
			metrics.RequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
		})
	}
}
