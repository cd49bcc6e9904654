package api

import (
	"errors"
	"net/http"

	"vodforge/internal/ingest"
	"vodforge/internal/jobs"
	"vodforge/internal/stats"
	"vodforge/internal/upload"
)

var errInternal = errors.New("internal error")

// statusFor maps domain errors to HTTP status codes. Unknown errors are
// internal.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, upload.ErrInvalidMetadata),
		errors.Is(err, upload.ErrIndexOutOfRange),
		errors.Is(err, upload.ErrSizeMismatch),
		errors.Is(err, stats.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, upload.ErrUnknownSession),
		errors.Is(err, jobs.ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrDuplicateSession),
		errors.Is(err, upload.ErrIncomplete),
		errors.Is(err, upload.ErrAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, upload.ErrSizeIntegrity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ingest.ErrEnqueue):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Internal errors are logged and
// replaced by a generic reason.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.requestLogger(r).Error("request failed", "error", err)
		if errors.Is(err, ingest.ErrEnqueue) {
			err = ingest.ErrEnqueue
		} else {
			err = errInternal
		}
	}
	WriteError(w, status, err)
}
