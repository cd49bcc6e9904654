package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"vodforge/internal/uploader"
)

func noEnv(string) (string, bool) { return "", false }

func TestRunServesUploadsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	args := []string{
		"-addr", "127.0.0.1:0",
		"-blob-root", t.TempDir(),
		"-work-dir", t.TempDir(),
		"-log-level", "error",
		"-upload-sweep-interval", "50ms",
	}
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, args, noEnv, ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	transport, err := uploader.NewHTTPTransport("http://" + addr.String())
	if err != nil {
		t.Fatalf("NewHTTPTransport error: %v", err)
	}
	coord := uploader.NewCoordinator(transport, uploader.Config{ChunkSize: 8, SingleShotThreshold: 8})
	data := []byte("sample payload for a chunked upload")
	result, err := coord.Upload(ctx, uploader.Source{Name: "clip.mp4", Size: int64(len(data)), Data: bytes.NewReader(data)}, uploader.Options{})
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	if result.VideoID == "" || result.Chunks != (len(data)+7)/8 {
		t.Fatalf("unexpected result %+v", result)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	err := run(context.Background(), []string{"-queue-driver", "kafka"}, noEnv, nil)
	if err == nil || !strings.Contains(err.Error(), `unsupported queue driver "kafka"`) {
		t.Fatalf("err = %v, want unsupported queue driver", err)
	}
}
