package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"vodforge/internal/observability/logging"
)

const (
	DefaultChunkSize           = 5 << 20
	DefaultSingleShotThreshold = 10 << 20
	DefaultMaxAttempts         = 3
	DefaultBaseDelay           = time.Second
	DefaultPollInterval        = 2 * time.Second
)

// Config tunes a Coordinator. Zero values select the defaults.
type Config struct {
	ChunkSize           int64
	SingleShotThreshold int64
	MaxAttempts         int
	BaseDelay           time.Duration
	PollInterval        time.Duration
	// ChunkTimeout bounds a single chunk request; zero disables it.
	ChunkTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.SingleShotThreshold <= 0 {
		c.SingleShotThreshold = DefaultSingleShotThreshold
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// CancelFlag is a cooperative cancellation signal checked between chunks.
type CancelFlag struct {
	flag atomic.Bool
}

func (c *CancelFlag) Cancel() { c.flag.Store(true) }

func (c *CancelFlag) Cancelled() bool { return c != nil && c.flag.Load() }

// Progress is reported after every acknowledged chunk.
type Progress struct {
	Completed int
	Total     int
}

// Fraction is Completed/Total in [0, 1].
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total)
}

// Source is the file being uploaded.
type Source struct {
	Name     string
	Size     int64
	MimeType string
	Data     io.ReaderAt
}

// Options are per-upload settings.
type Options struct {
	Title       string
	Description string
	// ResumeID continues an existing session instead of opening one.
	ResumeID string
	Progress func(Progress)
	Cancel   *CancelFlag
}

// Result summarises a finished upload.
type Result struct {
	VideoID    string
	FileID     string
	Chunks     int
	Skipped    int
	Attempts   int
	SingleShot bool
}

// Coordinator drives uploads through a Transport.
type Coordinator struct {
	transport Transport
	cfg       Config
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the coordinator's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSleep replaces the backoff sleeper, mainly for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

func NewCoordinator(transport Transport, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: transport,
		cfg:       cfg.withDefaults(),
		logger:    logging.Discard(),
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.WithComponent(c.logger, "uploader")
	return c
}

var videoMimeTypes = map[string]string{
	".avi":  "video/x-msvideo",
	".flv":  "video/x-flv",
	".mkv":  "video/x-matroska",
	".mov":  "video/quicktime",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".wmv":  "video/x-ms-wmv",
}

func detectMimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := videoMimeTypes[ext]; ok {
		return t
	}
	return mime.TypeByExtension(ext)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Upload sends src and returns the id of the queued video.
func (c *Coordinator) Upload(ctx context.Context, src Source, opts Options) (Result, error) {
	if src.Size <= 0 {
		return Result{}, errors.New("file is empty")
	}
	if src.MimeType == "" {
		src.MimeType = detectMimeType(src.Name)
	}
	if opts.ResumeID == "" && src.Size <= c.cfg.SingleShotThreshold {
		return c.uploadSingle(ctx, src, opts)
	}
	return c.uploadChunked(ctx, src, opts)
}

func (c *Coordinator) uploadSingle(ctx context.Context, src Source, opts Options) (Result, error) {
	if opts.Cancel.Cancelled() {
		return Result{}, ErrUserCancelled
	}
	videoID, err := c.transport.UploadSingle(ctx, SingleRequest{
		Filename:    filepath.Base(src.Name),
		MimeType:    src.MimeType,
		Title:       opts.Title,
		Description: opts.Description,
		Size:        src.Size,
		Body:        io.NewSectionReader(src.Data, 0, src.Size),
	})
	if err != nil {
		return Result{}, fmt.Errorf("upload: %w", err)
	}
	if opts.Progress != nil {
		opts.Progress(Progress{Completed: 1, Total: 1})
	}
	return Result{VideoID: videoID, Chunks: 1, Attempts: 1, SingleShot: true}, nil
}

func (c *Coordinator) uploadChunked(ctx context.Context, src Source, opts Options) (Result, error) {
	filename := filepath.Base(src.Name)
	chunkSize := c.cfg.ChunkSize
	totalChunks := int((src.Size + chunkSize - 1) / chunkSize)
	done := map[int]bool{}

	var fileID string
	if opts.ResumeID != "" {
		state, err := c.transport.Resume(ctx, opts.ResumeID)
		if err != nil {
			return Result{}, fmt.Errorf("resume upload: %w", err)
		}
		if state.TotalChunks != totalChunks {
			return Result{}, fmt.Errorf("resume upload: server expects %d chunks, file has %d at chunk size %d", state.TotalChunks, totalChunks, chunkSize)
		}
		fileID = state.FileID
		for _, idx := range state.UploadedChunks {
			done[idx] = true
		}
	} else {
		resp, err := c.transport.InitSession(ctx, InitRequest{
			Filename:    filename,
			TotalSize:   src.Size,
			TotalChunks: totalChunks,
			ChunkSize:   chunkSize,
			Title:       opts.Title,
			Description: opts.Description,
			MimeType:    src.MimeType,
		})
		if err != nil {
			return Result{}, fmt.Errorf("init upload: %w", err)
		}
		fileID = resp.FileID
	}

	logger := c.logger.With("upload_id", fileID)
	result := Result{FileID: fileID, Chunks: totalChunks, Skipped: len(done)}
	completed := len(done)
	if completed > 0 && opts.Progress != nil {
		opts.Progress(Progress{Completed: completed, Total: totalChunks})
	}

	buf := make([]byte, chunkSize)
	for index := 0; index < totalChunks; index++ {
		if done[index] {
			continue
		}
		if opts.Cancel.Cancelled() {
			logger.Info("upload cancelled", "next_chunk", index)
			return result, ErrUserCancelled
		}
		offset := int64(index) * chunkSize
		length := min(chunkSize, src.Size-offset)
		data := buf[:length]
		if _, err := src.Data.ReadAt(data, offset); err != nil && !errors.Is(err, io.EOF) {
			return result, fmt.Errorf("read chunk %d: %w", index, err)
		}
		attempts, err := c.sendChunk(ctx, logger, ChunkRequest{
			FileID:      fileID,
			Index:       index,
			TotalChunks: totalChunks,
			Filename:    filename,
			Data:        data,
		})
		result.Attempts += attempts
		if err != nil {
			return result, err
		}
		completed++
		if opts.Progress != nil {
			opts.Progress(Progress{Completed: completed, Total: totalChunks})
		}
	}

	videoID, err := c.transport.Complete(ctx, CompleteRequest{
		FileID:      fileID,
		Title:       opts.Title,
		Description: opts.Description,
	})
	if err != nil {
		return result, fmt.Errorf("complete upload: %w", err)
	}
	result.VideoID = videoID
	logger.Info("upload complete", "video_id", videoID, "chunks", totalChunks, "attempts", result.Attempts)
	return result, nil
}

// sendChunk submits one chunk with up to MaxAttempts tries, sleeping
// attempt*BaseDelay between them.
func (c *Coordinator) sendChunk(ctx context.Context, logger *slog.Logger, req ChunkRequest) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = c.sendOnce(ctx, req)
		if lastErr == nil {
			return attempt, nil
		}
		if ctx.Err() != nil || !retryable(lastErr) {
			return attempt, &ChunkError{Index: req.Index, Attempts: attempt, Err: lastErr}
		}
		if attempt < c.cfg.MaxAttempts {
			delay := time.Duration(attempt) * c.cfg.BaseDelay
			logger.Warn("chunk upload failed, retrying", "chunk", req.Index, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return attempt, err
			}
		}
	}
	return c.cfg.MaxAttempts, &ChunkError{Index: req.Index, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func (c *Coordinator) sendOnce(ctx context.Context, req ChunkRequest) error {
	if c.cfg.ChunkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.ChunkTimeout)
		defer cancel()
	}
	return c.transport.SendChunk(ctx, req)
}

// WaitForJob polls the job until it reaches a terminal status. onStatus, when
// set, observes every poll result.
func (c *Coordinator) WaitForJob(ctx context.Context, videoID string, onStatus func(JobStatus)) (JobStatus, error) {
	for {
		status, err := c.transport.Status(ctx, videoID)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && !statusErr.Retryable() {
				return JobStatus{}, err
			}
			c.logger.Warn("status poll failed", "video_id", videoID, "error", err)
		} else {
			if onStatus != nil {
				onStatus(status)
			}
			if status.Terminal() {
				return status, nil
			}
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return JobStatus{}, err
		}
	}
}
