package transcode

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MasterPlaylist renders the HLS master playlist for tiers in the given order.
func MasterPlaylist(tiers []Rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, r := range tiers {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", r.Bandwidth, r.Width, r.Height)
		b.WriteString(r.PlaylistPath())
		b.WriteByte('\n')
	}
	return b.String()
}

// Metadata is written next to the master playlist on success.
type Metadata struct {
	JobID                     string      `json:"jobId"`
	Filename                  string      `json:"filename"`
	Status                    string      `json:"status"`
	Resolutions               []Rendition `json:"resolutions"`
	OriginalDurationSeconds   float64     `json:"originalDurationSeconds"`
	ProcessingDurationSeconds float64     `json:"processingDurationSeconds"`
	OutputSizeBytes           int64       `json:"outputSizeBytes"`
	Thumbnail                 string      `json:"thumbnail,omitempty"`
	CompletedAt               time.Time   `json:"completedAt"`
}

// WriteMaster writes master.m3u8 into dir atomically.
func WriteMaster(dir string, tiers []Rendition) error {
	return writeFileAtomic(filepath.Join(dir, MasterName), []byte(MasterPlaylist(tiers)))
}

// WriteMetadata writes metadata.json into dir atomically.
func WriteMetadata(dir string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(dir, MetadataName), append(data, '\n'))
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// dirSize sums regular file sizes below dir.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
