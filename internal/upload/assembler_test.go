package upload

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vodforge/internal/blob"
	"vodforge/internal/observability/metrics"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	asm     *Assembler
	blobs   *blob.FS
	store   *MemoryStore
	clock   *clock
	metrics *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		blobs:   blobs,
		store:   NewMemoryStore(),
		clock:   &clock{now: epoch},
		metrics: metrics.New(),
	}
	ids := 0
	f.asm = NewAssembler(f.store, blobs, Options{
		MaxSize: 1 << 30,
		Clock:   f.clock.Now,
		Metrics: f.metrics,
		NewID: func() string {
			ids++
			return "upload-" + string(rune('a'+ids-1))
		},
	})
	return f
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func chunksOf(data []byte, size int) [][]byte {
	var out [][]byte
	for start := 0; start < len(data); start += size {
		out = append(out, data[start:min(start+size, len(data))])
	}
	return out
}

func readBlob(t *testing.T, store blob.Store, key string) []byte {
	t.Helper()
	rc, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return data
}

func TestAssemblerTwelveMiBInThreeChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := randomBytes(t, 12<<20)

	s, err := f.asm.InitSession(ctx, Metadata{Filename: "clip.mp4", TotalSize: int64(len(data)), ChunkSize: 5 << 20})
	require.NoError(t, err)
	require.Equal(t, 3, s.TotalChunks)

	parts := chunksOf(data, 5<<20)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 2<<20)
	for i, part := range parts {
		ack, err := f.asm.AcceptChunk(ctx, s.ID, i, bytes.NewReader(part))
		require.NoError(t, err)
		assert.Equal(t, i+1, ack.Received)
		assert.Equal(t, i == 2, ack.Complete)
	}

	out, err := f.asm.Finalize(ctx, s.ID, "job-1")
	require.NoError(t, err)
	assert.EqualValues(t, 12<<20, out.Size)
	assert.Equal(t, "sources/job-1/clip.mp4", out.Key)
	assert.Len(t, out.Checksum, 64)
	assert.Equal(t, data, readBlob(t, f.blobs, out.Key))

	chunks, err := f.blobs.List(ctx, "chunks/"+s.ID+"/")
	require.NoError(t, err)
	assert.Empty(t, chunks, "chunk storage is released")
	expected := `
# HELP vodforge_upload_chunks_total Chunk submissions by result.
# TYPE vodforge_upload_chunks_total counter
vodforge_upload_chunks_total{result="accepted"} 3
`
	assert.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected), "vodforge_upload_chunks_total"))
}

func TestAssemblerDuplicateChunkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	data := []byte("0123456789abcdefghijXYZ")

	s, err := f.asm.InitSession(ctx, Metadata{Filename: "a.webm", TotalSize: int64(len(data)), ChunkSize: 10})
	require.NoError(t, err)
	parts := chunksOf(data, 10)

	for _, i := range []int{0, 1, 1, 0, 2, 2} {
		_, err := f.asm.AcceptChunk(ctx, s.ID, i, bytes.NewReader(parts[i]))
		require.NoError(t, err)
	}
	got, err := f.asm.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, got.Received)

	out, err := f.asm.Finalize(ctx, s.ID, "job-1")
	require.NoError(t, err)
	assert.Equal(t, data, readBlob(t, f.blobs, out.Key))
}

func TestAssemblerChunkValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.asm.InitSession(ctx, Metadata{Filename: "a.mov", TotalSize: 25, ChunkSize: 10})
	require.NoError(t, err)

	_, err = f.asm.AcceptChunk(ctx, "nope", 0, strings.NewReader("x"))
	assert.True(t, errors.Is(err, ErrUnknownSession))

	_, err = f.asm.AcceptChunk(ctx, s.ID, 3, strings.NewReader("12345"))
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))
	_, err = f.asm.AcceptChunk(ctx, s.ID, -1, strings.NewReader("12345"))
	assert.True(t, errors.Is(err, ErrIndexOutOfRange))

	_, err = f.asm.AcceptChunk(ctx, s.ID, 0, strings.NewReader("short"))
	assert.True(t, errors.Is(err, ErrSizeMismatch))
	_, err = f.asm.AcceptChunk(ctx, s.ID, 0, strings.NewReader("elevenbytes"))
	assert.True(t, errors.Is(err, ErrSizeMismatch))
	_, err = f.asm.AcceptChunk(ctx, s.ID, 2, strings.NewReader("0123456789"))
	assert.True(t, errors.Is(err, ErrSizeMismatch), "final chunk must be 5 bytes")

	ack, err := f.asm.AcceptChunk(ctx, s.ID, 2, strings.NewReader("01234"))
	require.NoError(t, err)
	assert.Equal(t, 1, ack.Received)
	assert.Equal(t, 3, ack.TotalChunks)
}

func TestAssemblerFinalizeRequiresCompleteSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.asm.InitSession(ctx, Metadata{Filename: "a.mkv", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err)
	_, err = f.asm.AcceptChunk(ctx, s.ID, 0, strings.NewReader("0123456789"))
	require.NoError(t, err)

	_, err = f.asm.Finalize(ctx, s.ID, "job-1")
	assert.True(t, errors.Is(err, ErrIncomplete))

	_, err = f.asm.AcceptChunk(ctx, s.ID, 1, strings.NewReader("abcdefghij"))
	require.NoError(t, err)
	_, err = f.asm.Finalize(ctx, s.ID, "job-1")
	require.NoError(t, err)

	_, err = f.asm.Finalize(ctx, s.ID, "job-2")
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))
	_, err = f.asm.AcceptChunk(ctx, s.ID, 1, strings.NewReader("abcdefghij"))
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	_, err = f.asm.Finalize(ctx, "missing", "job-3")
	assert.True(t, errors.Is(err, ErrUnknownSession))
}

func TestAssemblerConcurrentFinalizeSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.asm.InitSession(ctx, Metadata{Filename: "a.mp4", TotalSize: 10, ChunkSize: 10})
	require.NoError(t, err)
	_, err = f.asm.AcceptChunk(ctx, s.ID, 0, strings.NewReader("0123456789"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		already   int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.asm.Finalize(ctx, s.ID, "job-"+string(rune('a'+i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrAlreadyFinalized):
				already++
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, already)
}

func TestAssemblerIntegrityFailureDiscardsUpload(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.asm.InitSession(ctx, Metadata{Filename: "a.mp4", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err)
	for i, part := range []string{"0123456789", "abcdefghij"} {
		_, err := f.asm.AcceptChunk(ctx, s.ID, i, strings.NewReader(part))
		require.NoError(t, err)
	}
	// Storage corruption behind the assembler's back.
	_, err = f.blobs.Put(ctx, ChunkKey(s.ID, 1), strings.NewReader("abc"))
	require.NoError(t, err)

	_, err = f.asm.Finalize(ctx, s.ID, "job-1")
	require.True(t, errors.Is(err, ErrSizeIntegrity), "%v", err)

	_, err = f.asm.Session(ctx, s.ID)
	assert.True(t, errors.Is(err, ErrUnknownSession))
	keys, err := f.blobs.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAssemblerAssemblyErrorReopensSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.asm.InitSession(ctx, Metadata{Filename: "a.mp4", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err)
	for i, part := range []string{"0123456789", "abcdefghij"} {
		_, err := f.asm.AcceptChunk(ctx, s.ID, i, strings.NewReader(part))
		require.NoError(t, err)
	}
	require.NoError(t, f.blobs.Delete(ctx, ChunkKey(s.ID, 1)))

	_, err = f.asm.Finalize(ctx, s.ID, "job-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, blob.ErrNotFound))

	got, err := f.asm.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Finalized, "session reopened so the client can resend")

	_, err = f.asm.AcceptChunk(ctx, s.ID, 1, strings.NewReader("abcdefghij"))
	require.NoError(t, err)
	_, err = f.asm.Finalize(ctx, s.ID, "job-1")
	require.NoError(t, err)
}

func TestAssemblerCommitFailureKeepsChunksAndReopens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s, err := f.asm.InitSession(ctx, Metadata{Filename: "a.mp4", TotalSize: 8, ChunkSize: 4})
	require.NoError(t, err)
	for i, part := range []string{"abcd", "efgh"} {
		_, err := f.asm.AcceptChunk(ctx, s.ID, i, strings.NewReader(part))
		require.NoError(t, err)
	}

	recordErr := errors.New("records offline")
	_, err = f.asm.FinalizeWith(ctx, s.ID, "job-1", func(_ context.Context, a Assembled) error {
		ok, err := f.blobs.Exists(ctx, a.Key)
		require.NoError(t, err)
		assert.True(t, ok, "source is written before the commit step")
		return recordErr
	})
	require.ErrorIs(t, err, recordErr)

	ok, err := f.blobs.Exists(ctx, SourceKey("job-1", "a.mp4"))
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.blobs.Exists(ctx, ChunkKey(s.ID, 0))
	require.NoError(t, err)
	assert.True(t, ok)
	got, err := f.asm.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, got.Finalized)

	assembled, err := f.asm.FinalizeWith(ctx, s.ID, "job-2", func(context.Context, Assembled) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), readBlob(t, f.blobs, assembled.Key))
	ok, err = f.blobs.Exists(ctx, ChunkKey(s.ID, 0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAssemblerDuplicateAndStaleSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	md := Metadata{FileID: "client-id", Filename: "a.mp4", TotalSize: 20, ChunkSize: 10}

	_, err := f.asm.InitSession(ctx, md)
	require.NoError(t, err)
	_, err = f.asm.AcceptChunk(ctx, "client-id", 0, strings.NewReader("0123456789"))
	require.NoError(t, err)

	_, err = f.asm.InitSession(ctx, md)
	assert.True(t, errors.Is(err, ErrDuplicateSession))

	f.clock.Advance(DefaultAbandonAfter + time.Minute)
	s, err := f.asm.InitSession(ctx, md)
	require.NoError(t, err)
	assert.Empty(t, s.Received)
	ok, err := f.blobs.Exists(ctx, ChunkKey("client-id", 0))
	require.NoError(t, err)
	assert.False(t, ok, "stale chunks are cleared when the id is reused")
}

func TestAssemblerSweepAbandoned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	old, err := f.asm.InitSession(ctx, Metadata{Filename: "old.mp4", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err)
	_, err = f.asm.AcceptChunk(ctx, old.ID, 0, strings.NewReader("0123456789"))
	require.NoError(t, err)

	f.clock.Advance(20 * time.Hour)
	fresh, err := f.asm.InitSession(ctx, Metadata{Filename: "new.mp4", TotalSize: 20, ChunkSize: 10})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Hour)
	removed, err := f.asm.SweepAbandoned(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.asm.Session(ctx, old.ID)
	assert.True(t, errors.Is(err, ErrUnknownSession))
	_, err = f.asm.Session(ctx, fresh.ID)
	assert.NoError(t, err)
	keys, err := f.blobs.List(ctx, "chunks/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestAssemblerStoreSingle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	out, err := f.asm.StoreSingle(ctx, "job-1", "My Clip.mp4", "video/mp4", strings.NewReader("payload"))
	require.NoError(t, err)
	assert.Equal(t, "sources/job-1/My_Clip.mp4", out.Key)
	assert.EqualValues(t, 7, out.Size)
	assert.Equal(t, []byte("payload"), readBlob(t, f.blobs, out.Key))

	_, err = f.asm.StoreSingle(ctx, "job-2", "doc.pdf", "", strings.NewReader("payload"))
	assert.True(t, errors.Is(err, ErrInvalidMetadata))
	_, err = f.asm.StoreSingle(ctx, "job-3", "empty.mp4", "", strings.NewReader(""))
	assert.True(t, errors.Is(err, ErrInvalidMetadata))
}
