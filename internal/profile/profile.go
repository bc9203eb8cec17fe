package profile

import (
	"fmt"
	"sort"
	"strings"
)

// Profile is the output configuration for one target platform.
type Profile struct {
	Name         string `json:"name" yaml:"name"`
	Width        int    `json:"width" yaml:"width"`
	Height       int    `json:"height" yaml:"height"`
	Format       string `json:"format" yaml:"format"`             // container, e.g. "mp4"
	AudioBitrate string `json:"audioBitrate" yaml:"audioBitrate"` // ffmpeg notation, e.g. "128k"
	VideoBitrate string `json:"videoBitrate" yaml:"videoBitrate"` // ffmpeg notation, e.g. "2500k"
}

// Platform names shipped by default.
const (
	TikTok         = "TikTok"
	InstagramReels = "Instagram Reels"
	YouTubeShorts  = "YouTube Shorts"
)

// Defaults returns the built-in vertical short-form profiles.
func Defaults() []Profile {
	vertical := func(name string) Profile {
		return Profile{Name: name, Width: 1080, Height: 1920, Format: "mp4", AudioBitrate: "128k", VideoBitrate: "2500k"}
	}
	return []Profile{vertical(TikTok), vertical(InstagramReels), vertical(YouTubeShorts)}
}

// Table holds profiles by platform name. It is built once at startup and only
// read afterwards, so it is safe for concurrent use.
type Table struct {
	byName map[string]Profile
	names  []string
}

// NewTable builds a table from ps. Names must be unique and every profile must
// be complete.
func NewTable(ps []Profile) (*Table, error) {
	t := &Table{byName: make(map[string]Profile, len(ps))}
	for _, p := range ps {
		if err := p.validate(); err != nil {
			return nil, err
		}
		if _, dup := t.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate profile %q", p.Name)
		}
		t.byName[p.Name] = p
		t.names = append(t.names, p.Name)
	}
	if len(t.byName) == 0 {
		return nil, fmt.Errorf("no profiles configured")
	}
	sort.Strings(t.names)
	return t, nil
}

// MustDefaultTable returns the table of built-in profiles.
func MustDefaultTable() *Table {
	t, err := NewTable(Defaults())
	if err != nil {
		panic(err)
	}
	return t
}

// Get returns the profile for a platform name. Lookup is exact.
func (t *Table) Get(name string) (Profile, bool) {
	p, ok := t.byName[name]
	return p, ok
}

// Names returns the platform names in sorted order.
func (t *Table) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// All returns the profiles sorted by name.
func (t *Table) All() []Profile {
	out := make([]Profile, 0, len(t.names))
	for _, n := range t.names {
		out = append(out, t.byName[n])
	}
	return out
}

func (p Profile) validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("profile %q: width and height must be positive", p.Name)
	}
	if strings.TrimSpace(p.Format) == "" {
		return fmt.Errorf("profile %q: format is required", p.Name)
	}
	if strings.TrimSpace(p.AudioBitrate) == "" || strings.TrimSpace(p.VideoBitrate) == "" {
		return fmt.Errorf("profile %q: audio and video bitrate are required", p.Name)
	}
	return nil
}
