package upload

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"vodforge/internal/blob"
	"vodforge/internal/observability/logging"
	"vodforge/internal/observability/metrics"
)

// DefaultAbandonAfter is how long a session may sit idle before the sweeper
// removes it.
const DefaultAbandonAfter = 24 * time.Hour

// ChunkKey is the blob key of one chunk.
func ChunkKey(sessionID string, index int) string {
	return fmt.Sprintf("chunks/%s/%06d", sessionID, index)
}

func chunkPrefix(sessionID string) string {
	return "chunks/" + sessionID + "/"
}

// SourceKey is the blob key of an assembled source file.
func SourceKey(jobID, filename string) string {
	return blob.Join("sources", jobID, SafeFilename(filename))
}

// Ack describes the session after a chunk was accepted.
type Ack struct {
	Index       int
	Received    int
	TotalChunks int
	Complete    bool
}

// Assembled is a source file ready for transcoding.
type Assembled struct {
	SessionID   string
	JobID       string
	Key         string
	Filename    string
	Size        int64
	Checksum    string
	MimeType    string
	Title       string
	Description string
}

// Options tune an Assembler. Zero values select defaults.
type Options struct {
	MaxSize      int64
	AbandonAfter time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
	Clock        func() time.Time
	NewID        func() string
}

// Assembler is the server side of the chunked upload protocol.
type Assembler struct {
	sessions     SessionStore
	blobs        blob.Store
	maxSize      int64
	abandonAfter time.Duration
	logger       *slog.Logger
	metrics      *metrics.Recorder
	now          func() time.Time
	newID        func() string
}

func NewAssembler(sessions SessionStore, blobs blob.Store, opts Options) *Assembler {
	a := &Assembler{
		sessions:     sessions,
		blobs:        blobs,
		maxSize:      opts.MaxSize,
		abandonAfter: opts.AbandonAfter,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Clock,
		newID:        opts.NewID,
	}
	if a.abandonAfter <= 0 {
		a.abandonAfter = DefaultAbandonAfter
	}
	if a.logger == nil {
		a.logger = logging.Discard()
	}
	a.logger = logging.WithComponent(a.logger, "uploads")
	if a.now == nil {
		a.now = time.Now
	}
	if a.newID == nil {
		a.newID = uuid.NewString
	}
	return a
}

// InitSession validates md and opens a session. A caller-supplied id that
// names a live session fails with ErrDuplicateSession; a stale one is
// replaced.
func (a *Assembler) InitSession(ctx context.Context, md Metadata) (Session, error) {
	md.FileID = strings.TrimSpace(md.FileID)
	if err := validateMetadata(md, a.maxSize); err != nil {
		return Session{}, err
	}
	id := md.FileID
	if id == "" {
		id = a.newID()
	}
	now := a.now().UTC()
	s := Session{
		ID:          id,
		Filename:    strings.TrimSpace(md.Filename),
		TotalSize:   md.TotalSize,
		ChunkSize:   md.ChunkSize,
		TotalChunks: ChunkCount(md.TotalSize, md.ChunkSize),
		MimeType:    strings.TrimSpace(md.MimeType),
		Title:       md.Title,
		Description: md.Description,
		Received:    []int{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.sessions.Create(ctx, s, now.Add(-a.abandonAfter)); err != nil {
		return Session{}, err
	}
	// A replaced stale session may have left chunks behind.
	if md.FileID != "" {
		if err := a.blobs.DeletePrefix(ctx, chunkPrefix(id)); err != nil {
			return Session{}, fmt.Errorf("clear stale chunks: %w", err)
		}
	}
	logging.WithContext(logging.ContextWithUploadID(ctx, id), a.logger).Info("upload session created",
		"filename", s.Filename, "total_size", s.TotalSize, "total_chunks", s.TotalChunks)
	return s, nil
}

// Session returns the current state of a session.
func (a *Assembler) Session(ctx context.Context, id string) (Session, error) {
	return a.sessions.Get(ctx, id)
}

// AcceptChunk validates and persists chunk index of session id. Re-sending
// an already received index overwrites it.
func (a *Assembler) AcceptChunk(ctx context.Context, id string, index int, r io.Reader) (Ack, error) {
	ack, err := a.acceptChunk(ctx, id, index, r)
	if err != nil {
		a.metrics.ChunkRejected()
		return Ack{}, err
	}
	a.metrics.ChunkAccepted()
	return ack, nil
}

func (a *Assembler) acceptChunk(ctx context.Context, id string, index int, r io.Reader) (Ack, error) {
	s, err := a.sessions.Get(ctx, id)
	if err != nil {
		return Ack{}, err
	}
	if s.Finalized {
		return Ack{}, ErrAlreadyFinalized
	}
	if index < 0 || index >= s.TotalChunks {
		return Ack{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, s.TotalChunks)
	}
	want := s.ExpectedChunkSize(index)
	data, err := io.ReadAll(io.LimitReader(r, want+1))
	if err != nil {
		return Ack{}, fmt.Errorf("read chunk %d: %w", index, err)
	}
	if int64(len(data)) != want {
		return Ack{}, fmt.Errorf("%w: chunk %d has %d bytes, expected %d", ErrSizeMismatch, index, len(data), want)
	}
	if _, err := a.blobs.Put(ctx, ChunkKey(id, index), bytes.NewReader(data)); err != nil {
		return Ack{}, fmt.Errorf("store chunk %d: %w", index, err)
	}
	s, err = a.sessions.MarkReceived(ctx, id, index, a.now().UTC())
	if err != nil {
		return Ack{}, err
	}
	return Ack{
		Index:       index,
		Received:    len(s.Received),
		TotalChunks: s.TotalChunks,
		Complete:    s.Complete(),
	}, nil
}

// Finalize concatenates the chunks of a complete session into the source
// artifact for jobID and releases the chunks. It succeeds at most once per
// session.
func (a *Assembler) Finalize(ctx context.Context, id, jobID string) (Assembled, error) {
	return a.FinalizeWith(ctx, id, jobID, nil)
}

// FinalizeWith is Finalize with a commit step that runs after the source
// artifact is verified and before the chunks are released. When commit
// fails the artifact is removed and the session reopened, so the upload can
// be finalized again.
func (a *Assembler) FinalizeWith(ctx context.Context, id, jobID string, commit func(context.Context, Assembled) error) (Assembled, error) {
	s, err := a.sessions.Get(ctx, id)
	if err != nil {
		return Assembled{}, err
	}
	if s.Finalized {
		return Assembled{}, ErrAlreadyFinalized
	}
	if !s.Complete() {
		return Assembled{}, fmt.Errorf("%w: %d of %d chunks received", ErrIncomplete, len(s.Received), s.TotalChunks)
	}
	if err := a.sessions.SetFinalized(ctx, id, true, a.now().UTC()); err != nil {
		return Assembled{}, err
	}

	ctx = logging.ContextWithJobID(logging.ContextWithUploadID(ctx, id), jobID)
	logger := logging.WithContext(ctx, a.logger)
	key := SourceKey(jobID, s.Filename)

	size, checksum, err := a.concatenate(ctx, s, key)
	if err != nil {
		_ = a.blobs.Delete(ctx, key)
		if rbErr := a.sessions.SetFinalized(ctx, id, false, a.now().UTC()); rbErr != nil {
			logger.Error("failed to reopen session after assembly error", "error", rbErr)
		}
		return Assembled{}, fmt.Errorf("assemble upload: %w", err)
	}
	if size != s.TotalSize {
		logger.Error("assembled size mismatch, discarding upload", "size", size, "expected", s.TotalSize)
		a.discard(ctx, id, key)
		a.metrics.UploadDiscarded()
		return Assembled{}, fmt.Errorf("%w: got %d bytes, expected %d", ErrSizeIntegrity, size, s.TotalSize)
	}
	assembled := Assembled{
		SessionID:   id,
		JobID:       jobID,
		Key:         key,
		Filename:    s.Filename,
		Size:        size,
		Checksum:    checksum,
		MimeType:    s.MimeType,
		Title:       s.Title,
		Description: s.Description,
	}
	if commit != nil {
		if err := commit(ctx, assembled); err != nil {
			a.DiscardSource(ctx, key)
			if rbErr := a.sessions.SetFinalized(ctx, id, false, a.now().UTC()); rbErr != nil {
				logger.Error("failed to reopen session after commit error", "error", rbErr)
			}
			return Assembled{}, err
		}
	}
	if err := a.blobs.DeletePrefix(ctx, chunkPrefix(id)); err != nil {
		logger.Warn("failed to release chunk storage", "error", err)
	}
	a.metrics.UploadFinalized(size)
	logger.Info("upload assembled", "key", key, "size", size)
	return assembled, nil
}

// DiscardSource removes a source artifact that no job will consume.
func (a *Assembler) DiscardSource(ctx context.Context, key string) {
	if err := a.blobs.Delete(ctx, key); err != nil {
		a.logger.Warn("failed to delete orphaned source", "key", key, "error", err)
	}
}

// concatenate streams the chunks in ascending order into key.
func (a *Assembler) concatenate(ctx context.Context, s Session, key string) (int64, string, error) {
	hasher := newChecksum()
	pr, pw := io.Pipe()
	go func() {
		for index := 0; index < s.TotalChunks; index++ {
			rc, err := a.blobs.Get(ctx, ChunkKey(s.ID, index))
			if err != nil {
				pw.CloseWithError(fmt.Errorf("open chunk %d: %w", index, err))
				return
			}
			_, err = io.Copy(pw, rc)
			rc.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("copy chunk %d: %w", index, err))
				return
			}
		}
		pw.Close()
	}()
	n, err := a.blobs.Put(ctx, key, io.TeeReader(pr, hasher))
	pr.CloseWithError(errAssemblyAborted)
	if err != nil {
		return 0, "", err
	}
	return n, hex.EncodeToString(hasher.Sum(nil)), nil
}

var errAssemblyAborted = errors.New("assembly aborted")

func (a *Assembler) discard(ctx context.Context, id, key string) {
	if err := a.blobs.Delete(ctx, key); err != nil {
		a.logger.Warn("failed to delete assembled file", "key", key, "error", err)
	}
	if err := a.blobs.DeletePrefix(ctx, chunkPrefix(id)); err != nil {
		a.logger.Warn("failed to delete chunks", "upload_id", id, "error", err)
	}
	if err := a.sessions.Delete(ctx, id); err != nil {
		a.logger.Warn("failed to delete session", "upload_id", id, "error", err)
	}
}

// StoreSingle writes a single-shot upload straight to its source key.
func (a *Assembler) StoreSingle(ctx context.Context, jobID, filename, mimeType string, r io.Reader) (Assembled, error) {
	if err := ValidateFile(filename, mimeType, 1, 0); err != nil {
		return Assembled{}, err
	}
	key := SourceKey(jobID, filename)
	hasher := newChecksum()
	var src io.Reader = r
	if a.maxSize > 0 {
		src = io.LimitReader(r, a.maxSize+1)
	}
	n, err := a.blobs.Put(ctx, key, io.TeeReader(src, hasher))
	if err != nil {
		return Assembled{}, fmt.Errorf("store upload: %w", err)
	}
	if n == 0 || (a.maxSize > 0 && n > a.maxSize) {
		_ = a.blobs.Delete(ctx, key)
		a.metrics.UploadDiscarded()
		if n == 0 {
			return Assembled{}, fmt.Errorf("%w: file is empty", ErrInvalidMetadata)
		}
		return Assembled{}, fmt.Errorf("%w: file exceeds the %d byte limit", ErrInvalidMetadata, a.maxSize)
	}
	a.metrics.UploadFinalized(n)
	return Assembled{
		JobID:    jobID,
		Key:      key,
		Filename: strings.TrimSpace(filename),
		Size:     n,
		Checksum: hex.EncodeToString(hasher.Sum(nil)),
		MimeType: mimeType,
	}, nil
}

// SweepAbandoned removes sessions idle for longer than the abandonment
// window together with their chunks, and returns how many were removed.
func (a *Assembler) SweepAbandoned(ctx context.Context) (int, error) {
	sessions, err := a.sessions.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := a.now().Add(-a.abandonAfter)
	removed := 0
	for _, s := range sessions {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := a.blobs.DeletePrefix(ctx, chunkPrefix(s.ID)); err != nil {
			a.logger.Warn("failed to delete abandoned chunks", "upload_id", s.ID, "error", err)
			continue
		}
		if err := a.sessions.Delete(ctx, s.ID); err != nil {
			a.logger.Warn("failed to delete abandoned session", "upload_id", s.ID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		a.metrics.UploadsSwept(removed)
		a.logger.Info("swept abandoned uploads", "count", removed)
	}
	return removed, nil
}

func newChecksum() hash.Hash {
	h, _ := blake2b.New256(nil)
	return h
}
