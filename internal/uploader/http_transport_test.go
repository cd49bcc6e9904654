package uploader

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestTransport(t *testing.T, handler http.Handler) *HTTPTransport {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	transport, err := NewHTTPTransport(srv.URL+"/", WithControlRetry(3, time.Millisecond))
	require.NoError(t, err)
	return transport
}

func TestNewHTTPTransportValidatesURL(t *testing.T) {
	_, err := NewHTTPTransport("  ")
	require.Error(t, err)
	_, err = NewHTTPTransport("not a url")
	require.Error(t, err)
}

func TestHTTPTransportInitSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/init-upload", func(w http.ResponseWriter, r *http.Request) {
		var req InitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "clip.mp4", req.Filename)
		assert.Equal(t, int64(12), req.TotalSize)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "fileId": "abc", "chunkSize": 5, "totalChunks": 3})
	})
	transport := newTestTransport(t, mux)

	resp, err := transport.InitSession(context.Background(), InitRequest{Filename: "clip.mp4", TotalSize: 12, ChunkSize: 5, TotalChunks: 3})
	require.NoError(t, err)
	assert.Equal(t, InitResponse{FileID: "abc", ChunkSize: 5, TotalChunks: 3}, resp)
}

func TestHTTPTransportSendChunkMultipart(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload-chunk", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "abc", r.FormValue("fileId"))
		assert.Equal(t, "2", r.FormValue("chunkIndex"))
		assert.Equal(t, "3", r.FormValue("totalChunks"))
		assert.Equal(t, "clip.mp4", r.FormValue("filename"))
		file, _, err := r.FormFile("chunk")
		require.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "tail", string(data))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "chunkIndex": 2, "received": 3, "totalChunks": 3, "complete": true})
	})
	transport := newTestTransport(t, mux)

	err := transport.SendChunk(context.Background(), ChunkRequest{FileID: "abc", Index: 2, TotalChunks: 3, Filename: "clip.mp4", Data: []byte("tail")})
	require.NoError(t, err)
}

func TestHTTPTransportSurfacesServerReason(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload-chunk", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "chunk index out of range"})
	})
	transport := newTestTransport(t, mux)

	err := transport.SendChunk(context.Background(), ChunkRequest{FileID: "abc", Index: 9, Filename: "clip.mp4"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusBadRequest, statusErr.Code)
	assert.Equal(t, "chunk index out of range", statusErr.Message)
	assert.False(t, retryable(err))
}

func TestHTTPTransportRetriesControlRequests(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/init-upload", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "busy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "fileId": "abc", "chunkSize": 5, "totalChunks": 1})
	})
	transport := newTestTransport(t, mux)

	resp, err := transport.InitSession(context.Background(), InitRequest{Filename: "clip.mp4", TotalSize: 5, ChunkSize: 5, TotalChunks: 1})
	require.NoError(t, err)
	assert.Equal(t, "abc", resp.FileID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPTransportCompleteIsSentOnce(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/complete-upload", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"success": false, "error": "job could not be queued"})
			return
		}
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "upload already finalized"})
	})
	transport := newTestTransport(t, mux)

	_, err := transport.Complete(context.Background(), CompleteRequest{FileID: "abc"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, "job could not be queued", statusErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPTransportDoesNotRetryConflicts(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/complete-upload", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "error": "upload already finalized"})
	})
	transport := newTestTransport(t, mux)

	_, err := transport.Complete(context.Background(), CompleteRequest{FileID: "abc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already finalized")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPTransportUploadSingleStreamsFile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/upload", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "My title", r.FormValue("title"))
		file, header, err := r.FormFile("video")
		require.NoError(t, err)
		defer file.Close()
		assert.Equal(t, "clip.mp4", header.Filename)
		assert.Equal(t, "video/mp4", header.Header.Get("Content-Type"))
		data, _ := io.ReadAll(file)
		assert.Equal(t, "whole file", string(data))
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "videoId": "job-2"})
	})
	transport := newTestTransport(t, mux)

	videoID, err := transport.UploadSingle(context.Background(), SingleRequest{
		Filename: "clip.mp4",
		MimeType: "video/mp4",
		Title:    "My title",
		Size:     10,
		Body:     strings.NewReader("whole file"),
	})
	require.NoError(t, err)
	assert.Equal(t, "job-2", videoID)
}

func TestHTTPTransportStatusAndResume(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/video-status/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":     true,
			"videoId":     r.PathValue("id"),
			"status":      "processed",
			"resolutions": []string{"144p", "240p"},
		})
	})
	mux.HandleFunc("GET /api/resume-upload/{id}", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":        true,
			"fileId":         r.PathValue("id"),
			"filename":       "clip.mp4",
			"uploadedChunks": []int{0, 1},
			"totalChunks":    3,
		})
	})
	transport := newTestTransport(t, mux)

	status, err := transport.Status(context.Background(), "job-3")
	require.NoError(t, err)
	assert.Equal(t, "job-3", status.VideoID)
	assert.True(t, status.Terminal())
	assert.Equal(t, []string{"144p", "240p"}, status.Resolutions)

	state, err := transport.Resume(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, ResumeState{FileID: "abc", Filename: "clip.mp4", UploadedChunks: []int{0, 1}, TotalChunks: 3}, state)
}

func TestCoordinatorOverHTTP(t *testing.T) {
	var received atomic.Int32
	var failedOnce atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/init-upload", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "fileId": "abc", "chunkSize": 4, "totalChunks": 3})
	})
	mux.HandleFunc("POST /api/upload-chunk", func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("chunkIndex") == "1" && failedOnce.CompareAndSwap(false, true) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "internal error"})
			return
		}
		received.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	})
	mux.HandleFunc("POST /api/complete-upload", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "videoId": "job-9"})
	})
	transport := newTestTransport(t, mux)
	coord := NewCoordinator(transport, Config{ChunkSize: 4, SingleShotThreshold: 4, BaseDelay: time.Millisecond})

	result, err := coord.Upload(context.Background(), Source{Name: "a.mp4", Size: 10, Data: strings.NewReader("0123456789")}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "job-9", result.VideoID)
	assert.Equal(t, 4, result.Attempts)
	assert.Equal(t, int32(3), received.Load())
}
