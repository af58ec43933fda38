// Package settings owns the user's download settings document: loading,
// normalization, persistence and the runtime copy with absolute paths.
package settings

import (
	"bytes"
	"encoding/json"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	DefaultDir  = "downloads"
	DefaultArgs = "--recode-video mp4 --embed-thumbnail --embed-metadata"
)

// Settings is the persisted settings document.
type Settings struct {
	DefaultDir   string      `json:"default_dir"`
	DefaultArgs  string      `json:"default_args"`
	DownloadDirs SiteConfigs `json:"download_dirs"`
	ShowToasts   bool        `json:"show_toasts"`
}

// SiteConfig overrides the download directory and yt-dlp arguments for the
// sites matched by a pattern group.
type SiteConfig struct {
	Dir  string `json:"dir"`
	Args string `json:"args"`
}

// Defaults returns the document written when no usable settings file exists.
func Defaults() Settings {
	return Settings{
		DefaultDir:   DefaultDir,
		DefaultArgs:  DefaultArgs,
		DownloadDirs: NewSiteConfigs(),
		ShowToasts:   true,
	}
}

// Clone returns a deep copy of s.
func (s Settings) Clone() Settings {
	s.DownloadDirs = s.DownloadDirs.Clone()
	return s
}

// Patch is a partial settings update. Nil fields are left unchanged; a
// non-nil DownloadDirs replaces the whole mapping.
type Patch struct {
	DefaultDir   *string      `json:"default_dir,omitempty"`
	DefaultArgs  *string      `json:"default_args,omitempty"`
	DownloadDirs *SiteConfigs `json:"download_dirs,omitempty"`
	ShowToasts   *bool        `json:"show_toasts,omitempty"`
}

// Apply returns s with the patch merged in.
func (p Patch) Apply(s Settings) Settings {
	out := s.Clone()

	if p.DefaultDir != nil {
		out.DefaultDir = *p.DefaultDir
	}

	if p.DefaultArgs != nil {
		out.DefaultArgs = *p.DefaultArgs
	}

	if p.DownloadDirs != nil {
		out.DownloadDirs = p.DownloadDirs.Clone()
	}

	if p.ShowToasts != nil {
		out.ShowToasts = *p.ShowToasts
	}

	return out
}

// SiteConfigs maps pattern groups such as "*youtube*, *youtu.be*" to their
// SiteConfig. Iteration and JSON encoding follow insertion order, which is
// also the order the site matcher tries the groups in.
//
// The zero value is an empty mapping ready to use.
type SiteConfigs struct {
	m *orderedmap.OrderedMap[string, SiteConfig]
}

// NewSiteConfigs returns an empty mapping.
func NewSiteConfigs() SiteConfigs {
	return SiteConfigs{m: orderedmap.New[string, SiteConfig]()}
}

// Set inserts or replaces the config of group. Replacing keeps the group's
// original position.
func (s *SiteConfigs) Set(group string, cfg SiteConfig) {
	if s.m == nil {
		s.m = orderedmap.New[string, SiteConfig]()
	}

	s.m.Set(group, cfg)
}

// Get returns the config of group.
func (s SiteConfigs) Get(group string) (SiteConfig, bool) {
	if s.m == nil {
		return SiteConfig{}, false
	}

	return s.m.Get(group)
}

// Len returns the number of groups.
func (s SiteConfigs) Len() int {
	if s.m == nil {
		return 0
	}

	return s.m.Len()
}

// Each calls fn for every group in insertion order until fn returns false.
func (s SiteConfigs) Each(fn func(group string, cfg SiteConfig) bool) {
	if s.m == nil {
		return
	}

	for pair := s.m.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Groups returns the pattern groups in insertion order.
func (s SiteConfigs) Groups() []string {
	groups := make([]string, 0, s.Len())

	s.Each(func(group string, _ SiteConfig) bool {
		groups = append(groups, group)
		return true
	})

	return groups
}

// Clone returns an independent copy preserving order.
func (s SiteConfigs) Clone() SiteConfigs {
	out := NewSiteConfigs()

	s.Each(func(group string, cfg SiteConfig) bool {
		out.m.Set(group, cfg)
		return true
	})

	return out
}

// mapDirs returns a copy with fn applied to every Dir.
func (s SiteConfigs) mapDirs(fn func(string) string) SiteConfigs {
	out := NewSiteConfigs()

	s.Each(func(group string, cfg SiteConfig) bool {
		cfg.Dir = fn(cfg.Dir)
		out.m.Set(group, cfg)

		return true
	})

	return out
}

func (s SiteConfigs) MarshalJSON() ([]byte, error) {
	if s.m == nil || s.m.Len() == 0 {
		return []byte("{}"), nil
	}

	return s.m.MarshalJSON()
}

func (s *SiteConfigs) UnmarshalJSON(data []byte) error {
	s.m = orderedmap.New[string, SiteConfig]()

	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}

	return s.m.UnmarshalJSON(data)
}

var (
	_ json.Marshaler   = SiteConfigs{}
	_ json.Unmarshaler = (*SiteConfigs)(nil)
)
