package middleware

import (
	"net/http"
	"time"

	"github.com/hudsor01/tenant-flow-sub015/internal/metrics"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(statusCode int) {
	s.code = statusCode
	s.ResponseWriter.WriteHeader(statusCode)
}

// Metrics records a request counter and duration histogram for every request.
// The path label uses the matched route pattern so parameterized routes stay
// a single series; unmatched requests fall back to the raw path.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = r.URL.Path
		}
		metrics.ObserveRequest(r.Method, path, rec.code, time.Since(start))
	})
}
