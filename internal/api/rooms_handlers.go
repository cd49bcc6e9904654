package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vodforge/internal/stats"
)

var errRoomsDisabled = errors.New("room statistics are not enabled")

type roomEventRequest struct {
	Type        stats.EventType `json:"type"`
	Quality     string          `json:"quality"`
	Resolutions []string        `json:"resolutions"`
}

// RoomEvents records a viewer or chat event for a room.
func (h *Handler) RoomEvents(w http.ResponseWriter, r *http.Request) {
	if h.Rooms == nil {
		WriteError(w, http.StatusNotFound, errRoomsDisabled)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req roomEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	room := strings.TrimSpace(r.PathValue("room"))
	err := h.Rooms.Publish(r.Context(), stats.Event{
		Type:        stats.EventType(strings.ToLower(string(req.Type))),
		Room:        room,
		Quality:     req.Quality,
		Resolutions: req.Resolutions,
		At:          time.Now().UTC(),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	current, _ := h.Rooms.Stats(room)
	WriteJSON(w, http.StatusOK, map[string]any{"stats": current})
}

// RoomStats returns the aggregated view of a room. Unknown rooms report
// zero values.
func (h *Handler) RoomStats(w http.ResponseWriter, r *http.Request) {
	if h.Rooms == nil {
		WriteError(w, http.StatusNotFound, errRoomsDisabled)
		return
	}
	current, _ := h.Rooms.Stats(r.PathValue("room"))
	WriteJSON(w, http.StatusOK, map[string]any{"stats": current})
}

// RoomStream pushes every update of a room as a server-sent event until the
// client disconnects.
func (h *Handler) RoomStream(w http.ResponseWriter, r *http.Request) {
	if h.Updates == nil {
		WriteError(w, http.StatusNotFound, errRoomsDisabled)
		return
	}
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.Updates.Subscribe(r.PathValue("room"))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.requestLogger(r).Warn("streaming unsupported", "error", err)
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case update, ok := <-sub.Updates():
			if !ok {
				return
			}
			data, err := json.Marshal(update)
			if err != nil {
				h.requestLogger(r).Error("encode room update", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: stats\ndata: %s\n\n", data); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}
