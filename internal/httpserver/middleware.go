package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

type contextKey string

const requestLoggerKey contextKey = "httpserver.request.logger"

// statusRecorder captures the status and body size for the request log.
// Upgrades reach the underlying http.Hijacker through Unwrap.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (rec *statusRecorder) WriteHeader(status int) {
	if !rec.wroteHeader() {
		rec.status = status
	}
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if !rec.wroteHeader() {
		rec.status = http.StatusOK
	}
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter {
	return rec.ResponseWriter
}

func (rec *statusRecorder) wroteHeader() bool {
	return rec.status != 0
}

// withRequestLogging tags each request with an id, echoed in X-Request-Id,
// and logs it once complete. Scrapes and health checks that succeed are only
// logged at debug level so they do not drown the job's own log lines.
func (s *Server) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strconv.FormatUint(s.requestIDs.Add(1), 10)
		logger := s.logger.With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		if remote := r.RemoteAddr; remote != "" {
			logger = logger.With("remote_addr", remote)
		}
		w.Header().Set("X-Request-Id", reqID)

		ctx := context.WithValue(r.Context(), requestLoggerKey, logger)
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		next.ServeHTTP(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		logger.Log(ctx, requestLogLevel(r.URL.Path, status), "request complete",
			"status", status,
			"duration", time.Since(start),
			"bytes", rec.bytes,
		)
	})
}

func requestLogLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelWarn
	case path == "/metrics" || path == "/healthz":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

func (s *Server) loggerFromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(requestLoggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return s.logger
}
