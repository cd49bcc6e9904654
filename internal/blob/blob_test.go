package blob

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingStore is an in-memory Store that remembers Put order.
type recordingStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	order   []string
}

func newRecordingStore() *recordingStore {
	return &recordingStore{objects: map[string][]byte{}}
}

func (r *recordingStore) Put(_ context.Context, key string, rd io.Reader) (int64, error) {
	data, err := io.ReadAll(rd)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[key] = data
	r.order = append(r.order, key)
	return int64(len(data)), nil
}

func (r *recordingStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func (r *recordingStore) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.objects, key)
	return nil
}

func (r *recordingStore) DeletePrefix(_ context.Context, prefix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.objects {
		if strings.HasPrefix(key, prefix) {
			delete(r.objects, key)
		}
	}
	return nil
}

func (r *recordingStore) Exists(_ context.Context, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[key]
	return ok, nil
}

func (r *recordingStore) List(_ context.Context, prefix string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for key := range r.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "videos/j1/master.m3u8", Join("videos", "j1", "master.m3u8"))
	assert.Equal(t, "videos/j1", Join("/videos/", "j1/"))
}

func TestPutDirPublishesLastFilesAfterEverythingElse(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"master.m3u8":         "#EXTM3U\n",
		"metadata.json":       "{}",
		"thumbnail.png":       "png",
		"240p/240p.m3u8":      "playlist",
		"240p/segment_000.ts": "seg",
		"144p/segment_000.ts": "seg",
	}
	for rel, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}

	store := newRecordingStore()
	total, err := PutDir(context.Background(), store, "videos/j1", dir, "metadata.json", "master.m3u8")
	require.NoError(t, err)

	var want int64
	for _, body := range files {
		want += int64(len(body))
	}
	assert.Equal(t, want, total)
	require.Len(t, store.order, len(files))
	assert.Equal(t, "videos/j1/metadata.json", store.order[len(store.order)-2])
	assert.Equal(t, "videos/j1/master.m3u8", store.order[len(store.order)-1])
}

func TestLocalizeUsesLocalPathWhenAvailable(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)
	_, err = store.Put(ctx, "sources/j/in.mp4", strings.NewReader("video"))
	require.NoError(t, err)

	p, cleanup, err := Localize(ctx, store, "sources/j/in.mp4", t.TempDir())
	require.NoError(t, err)
	defer cleanup()
	assert.Equal(t, filepath.Join(store.Root(), "sources", "j", "in.mp4"), p)

	_, _, err = Localize(ctx, store, "sources/j/missing.mp4", t.TempDir())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalizeDownloadsRemoteObjects(t *testing.T) {
	ctx := context.Background()
	store := newRecordingStore()
	_, err := store.Put(ctx, "sources/j/in.mp4", strings.NewReader("video"))
	require.NoError(t, err)

	scratch := t.TempDir()
	p, cleanup, err := Localize(ctx, store, "sources/j/in.mp4", scratch)
	require.NoError(t, err)
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "video", string(data))
	assert.Equal(t, ".mp4", filepath.Ext(p))

	cleanup()
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))
}
