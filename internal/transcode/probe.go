package transcode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeResult describes the source's primary video stream.
type ProbeResult struct {
	Width           int
	Height          int
	DurationSeconds float64
	HasAudio        bool
}

// Prober inspects a local source file.
type Prober interface {
	Probe(ctx context.Context, path string) (ProbeResult, error)
}

// FFprobe runs the ffprobe binary.
type FFprobe struct {
	Path string
}

func (p FFprobe) Probe(ctx context.Context, path string) (ProbeResult, error) {
	bin := p.Path
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ProbeResult{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return ProbeResult{}, fmt.Errorf("ffprobe: %s", lastLine(msg))
	}
	return parseProbeOutput(stdout.Bytes())
}

type ffprobeOutput struct {
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(data []byte) (ProbeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return ProbeResult{}, fmt.Errorf("unreadable probe output: %w", err)
	}
	var result ProbeResult
	found := false
	var streamDuration string
	for _, s := range out.Streams {
		switch s.CodecType {
		case "video":
			if !found && s.Height > 0 {
				found = true
				result.Width = s.Width
				result.Height = s.Height
				streamDuration = s.Duration
			}
		case "audio":
			result.HasAudio = true
		}
	}
	if !found {
		return ProbeResult{}, errors.New("no video stream found")
	}
	for _, d := range []string{out.Format.Duration, streamDuration} {
		if v, err := strconv.ParseFloat(strings.TrimSpace(d), 64); err == nil && v > 0 {
			result.DurationSeconds = v
			break
		}
	}
	return result, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
