package api

import (
	"context"
	"log/slog"
	"net/http"

	"vodforge/internal/ingest"
	"vodforge/internal/observability/logging"
	"vodforge/internal/stats"
	"vodforge/internal/upload"
)

// RoomService is the read and write side of the live room telemetry.
type RoomService interface {
	Publish(ctx context.Context, ev stats.Event) error
	Stats(room string) (stats.RoomStats, bool)
}

// RoomSubscriber streams room updates.
type RoomSubscriber interface {
	Subscribe(room string) *stats.Subscription
}

// Handler serves the API. Rooms and Updates may be nil, in which case the
// room endpoints answer 404.
type Handler struct {
	Intake    *ingest.Service
	Rooms     RoomService
	Updates   RoomSubscriber
	Logger    *slog.Logger
	ChunkSize int64
	// MaxChunkBody bounds a chunk request including multipart overhead.
	MaxChunkBody int64
	// MaxUploadBody bounds a single-shot request.
	MaxUploadBody int64
}

const (
	DefaultChunkSize = 5 << 20
	multipartSlack   = 1 << 20
	maxJSONBody      = 64 << 10
)

func NewHandler(intake *ingest.Service, rooms RoomService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		Intake:        intake,
		Rooms:         rooms,
		Logger:        logging.WithComponent(logger, "http"),
		ChunkSize:     DefaultChunkSize,
		MaxChunkBody:  upload.MaxChunkSize + multipartSlack,
		MaxUploadBody: 10 << 30,
	}
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return logging.WithContext(r.Context(), logger).With("method", r.Method, "path", r.URL.Path)
}

// Register mounts every API route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/init-upload", h.InitUpload)
	mux.HandleFunc("POST /api/upload-chunk", h.UploadChunk)
	mux.HandleFunc("POST /api/complete-upload", h.CompleteUpload)
	mux.HandleFunc("GET /api/resume-upload/{id}", h.ResumeUpload)
	mux.HandleFunc("POST /api/upload", h.UploadSingle)
	mux.HandleFunc("GET /api/video-status/{id}", h.VideoStatus)
	mux.HandleFunc("GET /api/videos", h.Videos)
	mux.HandleFunc("POST /api/rooms/{room}/events", h.RoomEvents)
	mux.HandleFunc("GET /api/rooms/{room}/stats", h.RoomStats)
	mux.HandleFunc("GET /api/rooms/{room}/stream", h.RoomStream)
	mux.HandleFunc("GET /healthz", h.Health)
}
