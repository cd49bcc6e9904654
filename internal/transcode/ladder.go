package transcode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Rendition is one tier of the adaptive bitrate ladder.
type Rendition struct {
	Name             string `json:"name"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	VideoBitrateKbps int    `json:"-"`
	Profile          string `json:"-"`
	Level            string `json:"-"`
	Bandwidth        int    `json:"bandwidth"`
}

// PlaylistPath is the tier playlist relative to the job's output root.
func (r Rendition) PlaylistPath() string {
	return r.Name + "/" + r.Name + ".m3u8"
}

var defaultLadder = []Rendition{
	{Name: "144p", Width: 256, Height: 144, VideoBitrateKbps: 200, Profile: "baseline", Level: "3.0", Bandwidth: 200000},
	{Name: "240p", Width: 426, Height: 240, VideoBitrateKbps: 400, Profile: "baseline", Level: "3.0", Bandwidth: 400000},
	{Name: "480p", Width: 854, Height: 480, VideoBitrateKbps: 1200, Profile: "main", Level: "3.1", Bandwidth: 1200000},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, Profile: "main", Level: "3.1", Bandwidth: 2800000},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, Profile: "high", Level: "4.1", Bandwidth: 5000000},
}

// DefaultLadder returns a copy of the built-in ladder, ascending by height.
func DefaultLadder() []Rendition {
	return append([]Rendition(nil), defaultLadder...)
}

// SelectLadder returns every tier no taller than sourceHeight, keeping the
// ladder's ascending order. A source shorter than the smallest tier gets the
// smallest tier alone, so the result is never empty for a non-empty ladder.
func SelectLadder(ladder []Rendition, sourceHeight int) []Rendition {
	if len(ladder) == 0 {
		return nil
	}
	var selected []Rendition
	for _, r := range ladder {
		if r.Height <= sourceHeight {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		selected = []Rendition{ladder[0]}
	}
	return selected
}

// ParseLadder reads a comma separated list of name:WxH:kbps:profile:level
// tiers. The result is sorted ascending by height.
func ParseLadder(value string) ([]Rendition, error) {
	var out []Rendition
	seen := map[string]bool{}
	for _, raw := range strings.Split(value, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		parts := strings.Split(raw, ":")
		if len(parts) != 5 {
			return nil, fmt.Errorf("ladder tier %q: want name:WxH:kbps:profile:level", raw)
		}
		name := strings.TrimSpace(parts[0])
		if name == "" || strings.ContainsAny(name, "/\\ ") {
			return nil, fmt.Errorf("ladder tier %q: invalid name", raw)
		}
		if seen[name] {
			return nil, fmt.Errorf("ladder tier %q: duplicate name", name)
		}
		seen[name] = true
		w, h, ok := strings.Cut(parts[1], "x")
		if !ok {
			return nil, fmt.Errorf("ladder tier %q: invalid size %q", raw, parts[1])
		}
		width, errW := strconv.Atoi(w)
		height, errH := strconv.Atoi(h)
		if errW != nil || errH != nil || width <= 0 || height <= 0 {
			return nil, fmt.Errorf("ladder tier %q: invalid size %q", raw, parts[1])
		}
		kbps, err := strconv.Atoi(strings.TrimSuffix(parts[2], "k"))
		if err != nil || kbps <= 0 {
			return nil, fmt.Errorf("ladder tier %q: invalid bitrate %q", raw, parts[2])
		}
		out = append(out, Rendition{
			Name:             name,
			Width:            width,
			Height:           height,
			VideoBitrateKbps: kbps,
			Profile:          parts[3],
			Level:            parts[4],
			Bandwidth:        kbps * 1000,
		})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ladder is empty")
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out, nil
}

// Names lists tier names in order.
func Names(tiers []Rendition) []string {
	names := make([]string, len(tiers))
	for i, r := range tiers {
		names[i] = r.Name
	}
	return names
}
