package transcode

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	SegmentSeconds  = 6
	AudioBitrate    = "128k"
	ThumbnailWidth  = 320
	ThumbnailHeight = 240
	ThumbnailName   = "thumbnail.png"
	MasterName      = "master.m3u8"
	MetadataName    = "metadata.json"
)

// Plan is a single ffmpeg invocation producing every selected tier.
type Plan struct {
	Args      []string
	Tiers     []Rendition
	OutputDir string
}

// BuildPlan derives the ffmpeg arguments for input. Each tier writes a
// segmented stream into outputDir/<tier>/.
func BuildPlan(input, outputDir string, tiers []Rendition) (Plan, error) {
	if input == "" {
		return Plan{}, fmt.Errorf("input source is required")
	}
	if outputDir == "" {
		return Plan{}, fmt.Errorf("output directory is required")
	}
	if len(tiers) == 0 {
		return Plan{}, fmt.Errorf("at least one rendition is required")
	}
	args := []string{"-y", "-i", input}
	for _, r := range tiers {
		tierDir := filepath.Join(outputDir, r.Name)
		args = append(args,
			"-map", "0:v:0",
			"-map", "0:a:0?",
			"-s", fmt.Sprintf("%dx%d", r.Width, r.Height),
			"-c:v", "libx264",
			"-b:v", strconv.Itoa(r.VideoBitrateKbps)+"k",
			"-profile:v", r.Profile,
			"-level", r.Level,
			"-c:a", "aac",
			"-b:a", AudioBitrate,
			"-hls_time", strconv.Itoa(SegmentSeconds),
			"-hls_list_size", "0",
			"-hls_segment_filename", filepath.Join(tierDir, "segment_%03d.ts"),
			"-f", "hls",
			filepath.Join(tierDir, r.Name+".m3u8"),
		)
	}
	return Plan{Args: args, Tiers: append([]Rendition(nil), tiers...), OutputDir: outputDir}, nil
}

// Prepare creates the per-tier output directories.
func (p Plan) Prepare() error {
	for _, r := range p.Tiers {
		if err := os.MkdirAll(filepath.Join(p.OutputDir, r.Name), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// ThumbnailArgs captures one frame at offset seconds, scaled to the poster
// size.
func ThumbnailArgs(input, output string, offset float64) []string {
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", input,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", ThumbnailWidth, ThumbnailHeight),
		output,
	}
}
