package transcode

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"vodforge/internal/observability/logging"
)

// Engine runs one transcoding command to completion.
type Engine interface {
	Run(ctx context.Context, args []string, logger *slog.Logger) error
}

// FFmpeg runs the ffmpeg binary, streaming its output into logger at debug
// level.
type FFmpeg struct {
	Path string
}

func (f FFmpeg) Run(ctx context.Context, args []string, logger *slog.Logger) error {
	bin := f.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	stdout := logging.NewLineWriter(logger, slog.LevelDebug, "stream", "stdout")
	stderr := logging.NewLineWriter(logger, slog.LevelDebug, "stream", "stderr")
	cmd := exec.CommandContext(ctx, bin, append([]string{"-hide_banner", "-nostdin"}, args...)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		tail := stderr.Tail()
		if len(tail) > 0 {
			return fmt.Errorf("ffmpeg: %w: %s", err, strings.Join(tail[max(0, len(tail)-3):], "; "))
		}
		return fmt.Errorf("ffmpeg: %w", err)
	}
	return nil
}
