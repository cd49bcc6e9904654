// Package blob stores upload chunks, assembled sources and rendition
// artifacts behind a small key/value interface with filesystem and S3
// drivers. Keys are slash separated and relative.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by Get for missing keys.
var ErrNotFound = errors.New("blob not found")

// Store is the blob store contract. Put is atomic per key: readers observe
// either the previous content or the complete new content.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (int64, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// LocalPather is implemented by stores whose objects live on the local
// filesystem, letting callers hand paths straight to external tools.
type LocalPather interface {
	LocalPath(key string) (string, error)
}

// Join builds a key from parts.
func Join(parts ...string) string {
	return strings.TrimPrefix(path.Join(parts...), "/")
}

// ValidateKey rejects empty, absolute and parent-escaping keys.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("blob key is required")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("blob key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("blob key %q escapes the store", key)
		}
	}
	return nil
}

// Localize returns a filesystem path holding the object at key. Stores that
// implement LocalPather are used in place; others are downloaded into
// scratchDir. cleanup removes any temporary copy.
func Localize(ctx context.Context, store Store, key, scratchDir string) (string, func(), error) {
	noop := func() {}
	if lp, ok := store.(LocalPather); ok {
		p, err := lp.LocalPath(key)
		if err != nil {
			return "", noop, err
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", noop, fmt.Errorf("%s: %w", key, ErrNotFound)
			}
			return "", noop, err
		}
		return p, noop, nil
	}
	rc, err := store.Get(ctx, key)
	if err != nil {
		return "", noop, err
	}
	defer rc.Close()
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return "", noop, err
	}
	tmp, err := os.CreateTemp(scratchDir, "source-*"+path.Ext(key))
	if err != nil {
		return "", noop, err
	}
	cleanup := func() { _ = os.Remove(tmp.Name()) }
	if _, err := io.Copy(tmp, rc); err != nil {
		tmp.Close()
		cleanup()
		return "", noop, fmt.Errorf("download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, err
	}
	return tmp.Name(), cleanup, nil
}

// PutFile uploads the file at p under key.
func PutFile(ctx context.Context, store Store, key, p string) (int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return store.Put(ctx, key, f)
}

// PutDir uploads every regular file below dir under prefix and returns the
// total bytes written. Files whose relative path appears in last are uploaded
// after everything else, in the given order.
func PutDir(ctx context.Context, store Store, prefix, dir string, last ...string) (int64, error) {
	deferred := make(map[string]bool, len(last))
	for _, name := range last {
		deferred[filepath.ToSlash(name)] = true
	}
	var files []string
	err := filepath.WalkDir(dir, func(current string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return fmt.Errorf("symlinks not supported: %s", current)
		}
		rel, err := filepath.Rel(dir, current)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !deferred[rel] {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(files)
	for _, name := range last {
		name = filepath.ToSlash(name)
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(name))); err == nil {
			files = append(files, name)
		}
	}
	var total int64
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := PutFile(ctx, store, Join(prefix, rel), filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			return total, fmt.Errorf("publish %s: %w", rel, err)
		}
		total += n
	}
	return total, nil
}
