package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/aristath/taskloop/internal/logger"
)

// requestLogger attaches a request-scoped logger to the context and logs
// every request once it finished, at a level derived from its status.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ctx := logger.WithFields(r.Context(), logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
		})

		next.ServeHTTP(ww, r.WithContext(ctx))

		entry := logger.G(ctx).WithFields(logrus.Fields{
			"status":   ww.Status(),
			"bytes":    ww.BytesWritten(),
			"duration": time.Since(start),
		})
		msg := http.StatusText(ww.Status())
		switch status := ww.Status(); {
		case status >= 500:
			entry.Error(msg)
		case status >= 400:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	})
}
