package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vodforge/internal/observability/logging"
)

// HTTPTransport speaks the server's upload protocol over HTTP.
type HTTPTransport struct {
	baseURL       string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// HTTPOption customises an HTTPTransport.
type HTTPOption func(*HTTPTransport)

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		if client != nil {
			t.client = client
		}
	}
}

func WithTransportLogger(logger *slog.Logger) HTTPOption {
	return func(t *HTTPTransport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithControlRetry sets the retry policy for init, complete, resume and
// status requests. Chunk retries belong to the Coordinator.
func WithControlRetry(attempts int, interval time.Duration) HTTPOption {
	return func(t *HTTPTransport) {
		t.maxAttempts = attempts
		t.retryInterval = interval
	}
}

// NewHTTPTransport targets the server at baseURL.
func NewHTTPTransport(baseURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("server url is required")
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	t := &HTTPTransport{
		baseURL:       trimmed,
		client:        &http.Client{Timeout: 5 * time.Minute},
		logger:        logging.Discard(),
		maxAttempts:   3,
		retryInterval: time.Second,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

type envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (t *HTTPTransport) InitSession(ctx context.Context, req InitRequest) (InitResponse, error) {
	var resp InitResponse
	err := t.doWithRetry(ctx, http.MethodPost, "/api/init-upload", req, &resp)
	return resp, err
}

func (t *HTTPTransport) SendChunk(ctx context.Context, req ChunkRequest) error {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := [][2]string{
		{"fileId", req.FileID},
		{"chunkIndex", strconv.Itoa(req.Index)},
		{"totalChunks", strconv.Itoa(req.TotalChunks)},
		{"filename", req.Filename},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return err
		}
	}
	part, err := w.CreateFormFile("chunk", req.Filename)
	if err != nil {
		return err
	}
	if _, err := part.Write(req.Data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/upload-chunk", &body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	return t.do(httpReq, nil)
}

// Complete is sent once. The server finalizes the session before it records
// and queues the job, so a repeat after a late failure only reports a conflict.
func (t *HTTPTransport) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	var resp struct {
		VideoID string `json:"videoId"`
	}
	if err := t.send(ctx, http.MethodPost, "/api/complete-upload", req, &resp, 1); err != nil {
		return "", err
	}
	return resp.VideoID, nil
}

// UploadSingle streams the multipart body so the file is never held in memory.
func (t *HTTPTransport) UploadSingle(ctx context.Context, req SingleRequest) (string, error) {
	pr, pw := io.Pipe()
	w := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeSingleBody(w, req))
	}()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/upload", pr)
	if err != nil {
		pr.Close()
		return "", err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())
	var resp struct {
		VideoID string `json:"videoId"`
	}
	if err := t.do(httpReq, &resp); err != nil {
		pr.Close()
		return "", err
	}
	return resp.VideoID, nil
}

func writeSingleBody(w *multipart.Writer, req SingleRequest) error {
	if err := w.WriteField("title", req.Title); err != nil {
		return err
	}
	if err := w.WriteField("description", req.Description); err != nil {
		return err
	}
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="video"; filename=%q`, req.Filename)}
	contentType := req.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header["Content-Type"] = []string{contentType}
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return err
	}
	return w.Close()
}

func (t *HTTPTransport) Status(ctx context.Context, videoID string) (JobStatus, error) {
	var status JobStatus
	err := t.doWithRetry(ctx, http.MethodGet, "/api/video-status/"+url.PathEscape(videoID), nil, &status)
	return status, err
}

func (t *HTTPTransport) Resume(ctx context.Context, fileID string) (ResumeState, error) {
	var state ResumeState
	err := t.doWithRetry(ctx, http.MethodGet, "/api/resume-upload/"+url.PathEscape(fileID), nil, &state)
	return state, err
}

func (t *HTTPTransport) doWithRetry(ctx context.Context, method, path string, payload, dest any) error {
	return t.send(ctx, method, path, payload, dest, t.maxAttempts)
}

// send issues a JSON request up to attempts times, retrying transient
// failures only.
func (t *HTTPTransport) send(ctx context.Context, method, path string, payload, dest any, attempts int) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	attempts = max(attempts, 1)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
		if err != nil {
			return err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		lastErr = t.do(req, dest)
		if lastErr == nil || !retryable(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		if attempt < attempts {
			t.logger.Warn("upload API request failed", "method", method, "path", path, "attempt", attempt, "error", lastErr)
			if err := sleepContext(ctx, t.retryInterval); err != nil {
				return err
			}
		}
	}
	return lastErr
}

// do sends req and decodes a 2xx body into dest. Failures surface the
// server's error string as a StatusError.
func (t *HTTPTransport) do(req *http.Request, dest any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env envelope
		message := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &env) == nil && env.Error != "" {
			message = env.Error
		}
		return &StatusError{Code: resp.StatusCode, Message: message}
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return &StatusError{Code: resp.StatusCode, Message: env.Error}
	}
	if dest == nil {
		return nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
