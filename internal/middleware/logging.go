// Package middleware provides the HTTP middleware chain of the webhook server.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// requestStateKey is the context key for the per-request logging state.
type requestStateKey struct{}

// requestState is filled in by handlers and read by Logging after the
// handler returns, so values set on a derived context still reach the log.
type requestState struct {
	errorCode string
	provider  string
}

func stateFrom(ctx context.Context) *requestState {
	if st, ok := ctx.Value(requestStateKey{}).(*requestState); ok {
		return st
	}
	return nil
}

// SetErrorCode records the error code of an error response.
func SetErrorCode(ctx context.Context, code string) context.Context {
	if st := stateFrom(ctx); st != nil {
		st.errorCode = code
		return ctx
	}
	return context.WithValue(ctx, requestStateKey{}, &requestState{errorCode: code})
}

// GetErrorCode returns the recorded error code, or "".
func GetErrorCode(ctx context.Context) string {
	if st := stateFrom(ctx); st != nil {
		return st.errorCode
	}
	return ""
}

// SetProvider records the payment provider a webhook request was addressed to.
func SetProvider(ctx context.Context, provider string) context.Context {
	if st := stateFrom(ctx); st != nil {
		st.provider = provider
		return ctx
	}
	return context.WithValue(ctx, requestStateKey{}, &requestState{provider: provider})
}

// GetProvider returns the recorded provider, or "".
func GetProvider(ctx context.Context) string {
	if st := stateFrom(ctx); st != nil {
		return st.provider
	}
	return ""
}

// responseWriter wraps http.ResponseWriter to capture status code and response size.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int
	wroteHeader bool
}

// WriteHeader captures the status code before writing it.
// Only the first call sets the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// NewLogger creates an slog.Logger based on the environment.
// In production (env == "production"), it returns a JSON handler.
// Otherwise, it returns a text handler for development.
func NewLogger(env string) *slog.Logger {
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}
	return slog.New(handler)
}

// Logging logs one line per request with method, path, status, latency (ms),
// size, request ID, provider (webhooks only) and error_code (4xx and 5xx).
//
// If a handler panics, the log entry is not written. Place a recovery
// middleware outside of Logging to cover panics.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			st := &requestState{}
			r = r.WithContext(context.WithValue(r.Context(), requestStateKey{}, st))
			rw := newResponseWriter(w)

			next.ServeHTTP(rw, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rw.statusCode),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int("size", rw.size),
			}
			if requestID := GetRequestID(r.Context()); requestID != "" {
				attrs = append(attrs, slog.String("request_id", requestID))
			}
			if st.provider != "" {
				attrs = append(attrs, slog.String("provider", st.provider))
			}
			if rw.statusCode >= 400 && st.errorCode != "" {
				attrs = append(attrs, slog.String("error_code", st.errorCode))
			}

			switch {
			case rw.statusCode >= 500:
				logger.LogAttrs(r.Context(), slog.LevelError, "request completed", attrs...)
			case rw.statusCode >= 400:
				logger.LogAttrs(r.Context(), slog.LevelWarn, "request completed", attrs...)
			default:
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
			}
		})
	}
}
