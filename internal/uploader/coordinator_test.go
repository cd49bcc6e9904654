package uploader

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu sync.Mutex

	init      InitRequest
	chunks    map[int][]byte
	attempts  map[int]int
	failures  map[int][]error
	completed []CompleteRequest
	single    []byte
	resume    ResumeState
	statuses  []JobStatus
	statusErr []error
	onChunk   func(index int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		chunks:   map[int][]byte{},
		attempts: map[int]int{},
		failures: map[int][]error{},
	}
}

func (f *fakeTransport) InitSession(_ context.Context, req InitRequest) (InitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init = req
	return InitResponse{FileID: "session-1", ChunkSize: req.ChunkSize, TotalChunks: req.TotalChunks}, nil
}

func (f *fakeTransport) SendChunk(_ context.Context, req ChunkRequest) error {
	f.mu.Lock()
	f.attempts[req.Index]++
	var err error
	if queued := f.failures[req.Index]; len(queued) > 0 {
		err = queued[0]
		f.failures[req.Index] = queued[1:]
	} else {
		f.chunks[req.Index] = append([]byte(nil), req.Data...)
	}
	hook := f.onChunk
	f.mu.Unlock()
	if err == nil && hook != nil {
		hook(req.Index)
	}
	return err
}

func (f *fakeTransport) Complete(_ context.Context, req CompleteRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, req)
	return "video-1", nil
}

func (f *fakeTransport) UploadSingle(_ context.Context, req SingleRequest) (string, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.single = data
	return "video-single", nil
}

func (f *fakeTransport) Status(context.Context, string) (JobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusErr) > 0 {
		err := f.statusErr[0]
		f.statusErr = f.statusErr[1:]
		if err != nil {
			return JobStatus{}, err
		}
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return status, nil
}

func (f *fakeTransport) Resume(context.Context, string) (ResumeState, error) {
	return f.resume, nil
}

func (f *fakeTransport) totalAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.attempts {
		total += n
	}
	return total
}

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

const mib = 1 << 20

func testSource(size int) (Source, []byte) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return Source{Name: "/tmp/clip.mp4", Size: int64(size), Data: bytes.NewReader(data)}, data
}

func chunkedConfig() Config {
	return Config{ChunkSize: 5 * mib, SingleShotThreshold: mib}
}

func TestUploadSplitsIntoSequentialChunks(t *testing.T) {
	transport := newFakeTransport()
	sleeps := &recordedSleeps{}
	coord := NewCoordinator(transport, chunkedConfig(), WithSleep(sleeps.sleep))
	src, data := testSource(12 * mib)

	result, err := coord.Upload(context.Background(), src, Options{Title: "T", Description: "D"})
	require.NoError(t, err)

	assert.Equal(t, "video-1", result.VideoID)
	assert.Equal(t, 3, result.Chunks)
	assert.Equal(t, 3, transport.init.TotalChunks)
	assert.Equal(t, "clip.mp4", transport.init.Filename)
	assert.Equal(t, "video/mp4", transport.init.MimeType)
	require.Len(t, transport.chunks, 3)
	assert.Len(t, transport.chunks[0], 5*mib)
	assert.Len(t, transport.chunks[1], 5*mib)
	assert.Len(t, transport.chunks[2], 2*mib)
	joined := append(append(append([]byte(nil), transport.chunks[0]...), transport.chunks[1]...), transport.chunks[2]...)
	assert.Equal(t, data, joined)
	require.Len(t, transport.completed, 1)
	assert.Equal(t, CompleteRequest{FileID: "session-1", Title: "T", Description: "D"}, transport.completed[0])
	assert.Empty(t, sleeps.delays)
}

func TestUploadRetriesTransientChunkFailures(t *testing.T) {
	transport := newFakeTransport()
	transport.failures[1] = []error{errors.New("connection reset"), &StatusError{Code: http.StatusBadGateway}}
	sleeps := &recordedSleeps{}
	coord := NewCoordinator(transport, chunkedConfig(), WithSleep(sleeps.sleep))
	src, _ := testSource(12 * mib)

	result, err := coord.Upload(context.Background(), src, Options{})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Attempts)
	assert.Equal(t, 5, transport.totalAttempts())
	assert.Equal(t, 3, transport.attempts[1])
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.delays)
	assert.Len(t, transport.completed, 1)
}

func TestUploadAbortsAfterMaxAttempts(t *testing.T) {
	transport := newFakeTransport()
	boom := errors.New("timeout")
	transport.failures[1] = []error{boom, boom, boom}
	sleeps := &recordedSleeps{}
	coord := NewCoordinator(transport, chunkedConfig(), WithSleep(sleeps.sleep))
	src, _ := testSource(12 * mib)

	_, err := coord.Upload(context.Background(), src, Options{})
	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 1, chunkErr.Index)
	assert.Equal(t, 3, chunkErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "chunk 1 failed after 3 attempt(s)")
	assert.Zero(t, transport.attempts[2])
	assert.Empty(t, transport.completed)
	assert.Len(t, sleeps.delays, 2)
}

func TestUploadDoesNotRetryClientErrors(t *testing.T) {
	transport := newFakeTransport()
	transport.failures[0] = []error{&StatusError{Code: http.StatusBadRequest, Message: "chunk size mismatch"}}
	coord := NewCoordinator(transport, chunkedConfig(), WithSleep((&recordedSleeps{}).sleep))
	src, _ := testSource(12 * mib)

	_, err := coord.Upload(context.Background(), src, Options{})
	var chunkErr *ChunkError
	require.ErrorAs(t, err, &chunkErr)
	assert.Equal(t, 1, chunkErr.Attempts)
	assert.Equal(t, 1, transport.attempts[0])
	assert.Contains(t, err.Error(), "chunk size mismatch")
}

func TestUploadRetriesThrottling(t *testing.T) {
	transport := newFakeTransport()
	transport.failures[2] = []error{&StatusError{Code: http.StatusTooManyRequests}}
	coord := NewCoordinator(transport, chunkedConfig(), WithSleep((&recordedSleeps{}).sleep))
	src, _ := testSource(12 * mib)

	result, err := coord.Upload(context.Background(), src, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, result.Attempts)
}

func TestUploadHonoursCancelFlag(t *testing.T) {
	transport := newFakeTransport()
	cancel := &CancelFlag{}
	transport.onChunk = func(index int) {
		if index == 0 {
			cancel.Cancel()
		}
	}
	coord := NewCoordinator(transport, chunkedConfig())
	src, _ := testSource(12 * mib)

	_, err := coord.Upload(context.Background(), src, Options{Cancel: cancel})
	require.ErrorIs(t, err, ErrUserCancelled)
	assert.Len(t, transport.chunks, 1)
	assert.Empty(t, transport.completed)
}

func TestUploadReportsMonotonicProgress(t *testing.T) {
	transport := newFakeTransport()
	transport.failures[1] = []error{errors.New("flaky")}
	coord := NewCoordinator(transport, chunkedConfig(), WithSleep((&recordedSleeps{}).sleep))
	src, _ := testSource(12 * mib)

	var seen []Progress
	_, err := coord.Upload(context.Background(), src, Options{Progress: func(p Progress) { seen = append(seen, p) }})
	require.NoError(t, err)

	require.Equal(t, []Progress{{1, 3}, {2, 3}, {3, 3}}, seen)
	assert.InDelta(t, 1.0, seen[2].Fraction(), 1e-9)
}

func TestUploadResumeSkipsReceivedChunks(t *testing.T) {
	transport := newFakeTransport()
	transport.resume = ResumeState{FileID: "session-9", UploadedChunks: []int{0, 2}, TotalChunks: 3}
	coord := NewCoordinator(transport, chunkedConfig())
	src, _ := testSource(12 * mib)

	var seen []Progress
	result, err := coord.Upload(context.Background(), src, Options{
		ResumeID: "session-9",
		Progress: func(p Progress) { seen = append(seen, p) },
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Skipped)
	assert.Equal(t, 1, transport.totalAttempts())
	assert.Contains(t, transport.chunks, 1)
	assert.Empty(t, transport.init.Filename)
	assert.Equal(t, "session-9", transport.completed[0].FileID)
	assert.Equal(t, []Progress{{2, 3}, {3, 3}}, seen)
}

func TestUploadResumeRejectsMismatchedLayout(t *testing.T) {
	transport := newFakeTransport()
	transport.resume = ResumeState{FileID: "session-9", TotalChunks: 7}
	coord := NewCoordinator(transport, chunkedConfig())
	src, _ := testSource(12 * mib)

	_, err := coord.Upload(context.Background(), src, Options{ResumeID: "session-9"})
	require.Error(t, err)
	assert.Zero(t, transport.totalAttempts())
}

func TestUploadSmallFileUsesSingleShot(t *testing.T) {
	transport := newFakeTransport()
	coord := NewCoordinator(transport, Config{})
	src, data := testSource(2 * mib)

	result, err := coord.Upload(context.Background(), src, Options{})
	require.NoError(t, err)

	assert.True(t, result.SingleShot)
	assert.Equal(t, "video-single", result.VideoID)
	assert.Equal(t, data, transport.single)
	assert.Zero(t, transport.totalAttempts())
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	coord := NewCoordinator(newFakeTransport(), Config{})
	_, err := coord.Upload(context.Background(), Source{Name: "x.mp4", Data: bytes.NewReader(nil)}, Options{})
	require.Error(t, err)
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	transport := newFakeTransport()
	transport.statuses = []JobStatus{
		{VideoID: "v", Status: "pending"},
		{VideoID: "v", Status: "processing"},
		{VideoID: "v", Status: "processed", Resolutions: []string{"144p", "240p"}},
	}
	transport.statusErr = []error{errors.New("connection refused")}
	sleeps := &recordedSleeps{}
	coord := NewCoordinator(transport, Config{PollInterval: 2 * time.Second}, WithSleep(sleeps.sleep))

	var observed []string
	status, err := coord.WaitForJob(context.Background(), "v", func(s JobStatus) { observed = append(observed, s.Status) })
	require.NoError(t, err)

	assert.Equal(t, "processed", status.Status)
	assert.Equal(t, []string{"pending", "processing", "processed"}, observed)
	assert.Len(t, sleeps.delays, 3)
	assert.Equal(t, 2*time.Second, sleeps.delays[0])
}

func TestWaitForJobStopsOnUnknownJob(t *testing.T) {
	transport := newFakeTransport()
	transport.statusErr = []error{&StatusError{Code: http.StatusNotFound, Message: "job not found"}}
	coord := NewCoordinator(transport, Config{}, WithSleep((&recordedSleeps{}).sleep))

	_, err := coord.WaitForJob(context.Background(), "missing", nil)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestStatusErrorRetryable(t *testing.T) {
	cases := map[int]bool{
		http.StatusBadRequest:          false,
		http.StatusNotFound:            false,
		http.StatusConflict:            false,
		http.StatusRequestTimeout:      true,
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusServiceUnavailable:  true,
	}
	for code, want := range cases {
		assert.Equal(t, want, (&StatusError{Code: code}).Retryable(), "code %d", code)
	}
	assert.False(t, retryable(context.Canceled))
	assert.True(t, retryable(context.DeadlineExceeded))
}
