package server

import (
	"context"
	"log/slog"
	"net/http"

	"websetdedup/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with request-scoped fields so
// a job's create/stream/history log lines can all be correlated by
// request_id and stream_id. The logger carries the HTTP path, the resolved
// client IP, and the IP source alongside those context-derived IDs.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}

	logger := loggerWithRequestContext(r.Context(), base)
	if logger == nil {
		return nil
	}

	ip, source := resolveClientIP(r, resolver)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
