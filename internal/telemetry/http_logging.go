package telemetry

import (
	"net/http"
	"time"

	"github.com/ripperfox/ripperfox/internal/logctx"
)

// HTTPLogging logs every request once it completes. 5xx responses are logged
// at ERROR, 4xx at WARN and everything else at INFO.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case wrapped.status >= http.StatusInternalServerError:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case wrapped.status >= http.StatusBadRequest:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}
