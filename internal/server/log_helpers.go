package server

import (
	"log/slog"
	"net/http"

	"vodforge/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with the request ID, path and
// resolved client address so middleware logs share keys with the handlers.
func loggingWithRequest(base *slog.Logger, resolver clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}
	return logging.WithContext(r.Context(), base).With(
		"path", r.URL.Path,
		"remote_ip", resolver.resolve(r),
	)
}
