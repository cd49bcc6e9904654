// Package uploader drives uploads from the client side: it splits a file into
// chunks, submits them sequentially with bounded retry, finalizes the session
// and polls the resulting job.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// InitRequest opens a chunked upload session.
type InitRequest struct {
	FileID      string `json:"fileId,omitempty"`
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"totalSize"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
	Title       string `json:"title"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

// InitResponse echoes the negotiated session.
type InitResponse struct {
	FileID      string `json:"fileId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

// ChunkRequest carries one chunk.
type ChunkRequest struct {
	FileID      string
	Index       int
	TotalChunks int
	Filename    string
	Data        []byte
}

// CompleteRequest finalizes a session and enqueues its job.
type CompleteRequest struct {
	FileID      string `json:"fileId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// SingleRequest uploads a whole file in one request.
type SingleRequest struct {
	Filename    string
	MimeType    string
	Title       string
	Description string
	Size        int64
	Body        io.Reader
}

// ResumeState describes an interrupted session on the server.
type ResumeState struct {
	FileID         string `json:"fileId"`
	Filename       string `json:"filename"`
	UploadedChunks []int  `json:"uploadedChunks"`
	TotalChunks    int    `json:"totalChunks"`
}

// JobStatus is the polled state of a job.
type JobStatus struct {
	VideoID                   string     `json:"videoId"`
	Status                    string     `json:"status"`
	Error                     string     `json:"error,omitempty"`
	Resolutions               []string   `json:"resolutions,omitempty"`
	OriginalDurationSeconds   float64    `json:"originalDurationSeconds,omitempty"`
	ProcessingDurationSeconds float64    `json:"processingDurationSeconds,omitempty"`
	OutputSizeBytes           int64      `json:"outputSizeBytes,omitempty"`
	CompletedAt               *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether polling can stop.
func (s JobStatus) Terminal() bool {
	return s.Status == "processed" || s.Status == "error"
}

// Transport is the wire protocol between the coordinator and the server.
type Transport interface {
	InitSession(ctx context.Context, req InitRequest) (InitResponse, error)
	SendChunk(ctx context.Context, req ChunkRequest) error
	Complete(ctx context.Context, req CompleteRequest) (string, error)
	UploadSingle(ctx context.Context, req SingleRequest) (string, error)
	Status(ctx context.Context, videoID string) (JobStatus, error)
	Resume(ctx context.Context, fileID string) (ResumeState, error)
}

// StatusError is a non-2xx response carrying the server's reason.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Retryable reports whether the request may succeed if repeated. Client
// errors are final except for timeouts and throttling.
func (e *StatusError) Retryable() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return true
	}
	return e.Code < 400 || e.Code >= 500
}

// ErrUserCancelled is returned when the cancel flag was raised.
var ErrUserCancelled = errors.New("upload cancelled by user")

// ChunkError reports a chunk that could not be delivered.
type ChunkError struct {
	Index    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.Index, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}
	return true
}
