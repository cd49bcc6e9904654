package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"vodforge/internal/ingest"
	"vodforge/internal/upload"
)

type initUploadRequest struct {
	FileID      string `json:"fileId"`
	Filename    string `json:"filename"`
	TotalSize   int64  `json:"totalSize"`
	TotalChunks int    `json:"totalChunks"`
	ChunkSize   int64  `json:"chunkSize"`
	Title       string `json:"title"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}

type completeUploadRequest struct {
	FileID      string `json:"fileId"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// InitUpload opens a chunked upload session.
func (h *Handler) InitUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req initUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = h.ChunkSize
	}
	session, err := h.Intake.Assembler().InitSession(r.Context(), upload.Metadata{
		FileID:      req.FileID,
		Filename:    req.Filename,
		TotalSize:   req.TotalSize,
		ChunkSize:   chunkSize,
		TotalChunks: req.TotalChunks,
		MimeType:    req.MimeType,
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"fileId":      session.ID,
		"chunkSize":   session.ChunkSize,
		"totalChunks": session.TotalChunks,
	})
}

// UploadChunk accepts one chunk. Fields may arrive in any order; the chunk
// is held in memory until the form has been read.
func (h *Handler) UploadChunk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxChunkBody)
	reader, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}
	fields := map[string]string{}
	var chunk []byte
	haveChunk := false
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeDecodeError(w, fmt.Errorf("read multipart data: %w", err))
			return
		}
		name := part.FormName()
		switch name {
		case "":
		case "chunk":
			chunk, err = io.ReadAll(io.LimitReader(part, upload.MaxChunkSize+1))
			haveChunk = true
		default:
			var value []byte
			value, err = io.ReadAll(io.LimitReader(part, 1024))
			fields[name] = strings.TrimSpace(string(value))
		}
		_ = part.Close()
		if err != nil {
			writeDecodeError(w, fmt.Errorf("read form field %s: %w", name, err))
			return
		}
	}
	if !haveChunk {
		WriteError(w, http.StatusBadRequest, errors.New("chunk is required"))
		return
	}
	fileID := fields["fileId"]
	if fileID == "" {
		WriteError(w, http.StatusBadRequest, errors.New("fileId is required"))
		return
	}
	index, err := strconv.Atoi(fields["chunkIndex"])
	if err != nil {
		WriteError(w, http.StatusBadRequest, errors.New("chunkIndex must be an integer"))
		return
	}
	if total := fields["totalChunks"]; total != "" {
		session, err := h.Intake.Assembler().Session(r.Context(), fileID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if n, err := strconv.Atoi(total); err != nil || n != session.TotalChunks {
			WriteError(w, http.StatusBadRequest, fmt.Errorf("%w: totalChunks %q does not match session (%d)", upload.ErrInvalidMetadata, total, session.TotalChunks))
			return
		}
	}
	ack, err := h.Intake.Assembler().AcceptChunk(r.Context(), fileID, index, bytes.NewReader(chunk))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"chunkIndex":  ack.Index,
		"received":    ack.Received,
		"totalChunks": ack.TotalChunks,
		"complete":    ack.Complete,
	})
}

// CompleteUpload assembles a finished session and queues its job.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	var req completeUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	rec, err := h.Intake.CompleteUpload(r.Context(), req.FileID, ingest.Submission{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"videoId": rec.JobID})
}

// ResumeUpload reports which chunks of a session the server already holds.
func (h *Handler) ResumeUpload(w http.ResponseWriter, r *http.Request) {
	session, err := h.Intake.Assembler().Session(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	received := session.Received
	if received == nil {
		received = []int{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"fileId":         session.ID,
		"filename":       session.Filename,
		"uploadedChunks": received,
		"totalChunks":    session.TotalChunks,
		"chunkSize":      session.ChunkSize,
		"finalized":      session.Finalized,
	})
}

// UploadSingle accepts a whole video in one multipart request. The video
// part is streamed to storage; title and description must precede it to be
// recorded.
func (h *Handler) UploadSingle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.MaxUploadBody)
	reader, err := r.MultipartReader()
	if err != nil {
		WriteError(w, http.StatusBadRequest, errors.New("invalid multipart payload"))
		return
	}
	var sub ingest.Submission
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeDecodeError(w, fmt.Errorf("read multipart data: %w", err))
			return
		}
		switch part.FormName() {
		case "title", "description":
			value, err := io.ReadAll(io.LimitReader(part, 4096))
			_ = part.Close()
			if err != nil {
				writeDecodeError(w, err)
				return
			}
			if part.FormName() == "title" {
				sub.Title = strings.TrimSpace(string(value))
			} else {
				sub.Description = strings.TrimSpace(string(value))
			}
		case "video":
			rec, err := h.Intake.UploadSingle(r.Context(), ingest.SingleFile{
				Filename: part.FileName(),
				MimeType: part.Header.Get("Content-Type"),
				Body:     part,
			}, sub)
			_ = part.Close()
			if err != nil {
				h.fail(w, r, err)
				return
			}
			WriteJSON(w, http.StatusOK, map[string]any{"videoId": rec.JobID})
			return
		default:
			_ = part.Close()
		}
	}
	WriteError(w, http.StatusBadRequest, errors.New("video file is required"))
}
