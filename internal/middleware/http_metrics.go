package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// webhookProviders are the provider path segments reported as-is. Any other
// segment under /webhooks/ is folded into one label value.
var webhookProviders = map[string]bool{
	"stripe": true,
	"paypal": true,
}

// normalizePath maps a request path to a bounded set of label values so that
// arbitrary URLs cannot create unbounded metric series.
func normalizePath(path string) string {
	switch path {
	case "/", "/health", "/ready", "/metrics":
		return path
	}
	if rest, ok := strings.CutPrefix(path, "/webhooks/"); ok {
		provider := strings.ToLower(strings.TrimSuffix(rest, "/"))
		if webhookProviders[provider] {
			return "/webhooks/" + provider
		}
		return "/webhooks/{unknown}"
	}
	return "other"
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code and response size.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

func (mrw *metricsResponseWriter) WriteHeader(code int) {
	if mrw.wroteHeader {
		return
	}
	mrw.statusCode = code
	mrw.wroteHeader = true
	mrw.ResponseWriter.WriteHeader(code)
}

func (mrw *metricsResponseWriter) Write(b []byte) (int, error) {
	n, err := mrw.ResponseWriter.Write(b)
	mrw.size += int64(n)
	return n, err
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// Health check endpoints (/health, /ready) are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			mrw := newMetricsResponseWriter(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(mrw, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(mrw.statusCode),
				time.Since(start).Seconds(),
				requestSize,
				mrw.size,
			)
		})
	}
}
