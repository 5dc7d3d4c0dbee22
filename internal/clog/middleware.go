package clog

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// StatusLevel picks the level a finished request is logged at.
func StatusLevel(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status == 499:
		return slog.LevelInfo
	case status >= 400:
		return slog.LevelWarn
	case status >= 100:
		return slog.LevelInfo
	default:
		return slog.LevelError
	}
}

// RequestLogger logs one record per request once the handler returns.
// Requests for which skip returns true are served but not logged.
func RequestLogger(logger *slog.Logger, skip func(*http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := WithAttrSet(r.Context())
			AddAll(ctx, map[string]any{
				"method":     r.Method,
				"path":       r.URL.Path,
				"request_id": middleware.GetReqID(r.Context()),
			})

			next.ServeHTTP(ww, r.WithContext(ctx))

			if skip != nil && skip(r) {
				return
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Log(ctx, StatusLevel(status), http.StatusText(status),
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
			)
		})
	}
}
