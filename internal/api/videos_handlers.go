package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"vodforge/internal/jobs"
)

func videoPayload(rec jobs.Record) map[string]any {
	out := map[string]any{
		"videoId":   rec.JobID,
		"filename":  rec.Filename,
		"status":    rec.Status.APIStatus(),
		"createdAt": rec.CreatedAt.Format(time.RFC3339Nano),
	}
	if rec.Error != "" {
		out["error"] = rec.Error
	}
	if len(rec.Resolutions) > 0 {
		out["resolutions"] = rec.Resolutions
	}
	if rec.OriginalDurationSeconds > 0 {
		out["originalDurationSeconds"] = rec.OriginalDurationSeconds
	}
	if rec.ProcessingDurationSeconds > 0 {
		out["processingDurationSeconds"] = rec.ProcessingDurationSeconds
	}
	if rec.OutputSizeBytes > 0 {
		out["outputSizeBytes"] = rec.OutputSizeBytes
	}
	if rec.CompletedAt != nil {
		out["completedAt"] = rec.CompletedAt.Format(time.RFC3339Nano)
	}
	return out
}

// VideoStatus reports the status of one job.
func (h *Handler) VideoStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Intake.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, videoPayload(rec))
}

// Videos lists jobs newest first, optionally filtered by ?status=.
func (h *Handler) Videos(w http.ResponseWriter, r *http.Request) {
	var status jobs.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := jobs.ParseStatus(raw)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err)
			return
		}
		status = parsed
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, fmt.Errorf("limit must be a positive integer"))
			return
		}
		limit = n
	}
	records, err := h.Intake.Videos(r.Context(), status, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	videos := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		videos = append(videos, videoPayload(rec))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"videos": videos})
}
